package broker

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupCache tracks which sequence-tagged messages have already been forwarded
// for a device id, so repeated re-broadcasts of the same sequence are
// suppressed. Entries are bounded per device.
type DedupCache struct {
	deviceCaches map[string]*lru.Cache[string, struct{}]
	mutex        sync.RWMutex
	maxSize      int
}

// NewDedupCache creates a dedup cache with the given per-device capacity
func NewDedupCache(maxSize int) *DedupCache {
	if maxSize <= 0 {
		maxSize = 256 // Default sequence window per device
	}
	return &DedupCache{
		deviceCaches: make(map[string]*lru.Cache[string, struct{}]),
		maxSize:      maxSize,
	}
}

// getDeviceCache gets or creates the cache for a specific device
func (dc *DedupCache) getDeviceCache(deviceID string) *lru.Cache[string, struct{}] {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	cache, exists := dc.deviceCaches[deviceID]
	if !exists {
		cache, _ = lru.New[string, struct{}](dc.maxSize)
		dc.deviceCaches[deviceID] = cache
	}
	return cache
}

// Seen reports whether the sequence id was already recorded for the device,
// recording it as a side effect when new.
func (dc *DedupCache) Seen(deviceID, sequenceID string) bool {
	if sequenceID == "" {
		return false
	}

	cache := dc.getDeviceCache(deviceID)
	if _, found := cache.Get(sequenceID); found {
		return true
	}
	cache.Add(sequenceID, struct{}{})
	return false
}

// ClearDevice forgets all sequences for one device id
func (dc *DedupCache) ClearDevice(deviceID string) {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	if cache, exists := dc.deviceCaches[deviceID]; exists {
		cache.Purge()
		delete(dc.deviceCaches, deviceID)
	}
}

// Purge drops all tracked sequences
func (dc *DedupCache) Purge() {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	for _, cache := range dc.deviceCaches {
		cache.Purge()
	}
	dc.deviceCaches = make(map[string]*lru.Cache[string, struct{}])
}
