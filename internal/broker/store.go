package broker

// Threshold is the maximum number of retained events per device id
const Threshold = 100

// LogStore keeps a bounded, time-ordered event buffer per device id. Once a
// bucket is full the oldest entry is evicted first (strict FIFO), so a bucket
// never exceeds the threshold after an append.
type LogStore struct {
	buckets   map[string][]*DataMsg
	threshold int
}

// NewLogStore creates a log store. A non-positive threshold falls back to the
// default of 100 entries per device id.
func NewLogStore(threshold int) *LogStore {
	if threshold <= 0 {
		threshold = Threshold
	}
	return &LogStore{
		buckets:   make(map[string][]*DataMsg),
		threshold: threshold,
	}
}

// EnsureBucket creates an empty bucket for the device id if absent
func (s *LogStore) EnsureBucket(deviceID string) {
	if _, ok := s.buckets[deviceID]; !ok {
		s.buckets[deviceID] = []*DataMsg{}
	}
}

// Has reports whether the device id has ever been seen
func (s *LogStore) Has(deviceID string) bool {
	_, ok := s.buckets[deviceID]
	return ok
}

// Append records a message for the device id, evicting the oldest entry when
// the bucket is full.
func (s *LogStore) Append(deviceID string, msg *DataMsg) {
	if deviceID == "" {
		return
	}
	bucket := s.buckets[deviceID]
	if len(bucket) >= s.threshold {
		bucket = bucket[1:]
	}
	s.buckets[deviceID] = append(bucket, msg)
}

// GetAll returns the current buffer, oldest first. The second return value is
// false if the device id has never been seen.
func (s *LogStore) GetAll(deviceID string) ([]*DataMsg, bool) {
	bucket, ok := s.buckets[deviceID]
	return bucket, ok
}

// RemoveMatching deletes the first entry of the given type with the given
// time stamp from the device's bucket. Used to retire answered prompts.
func (s *LogStore) RemoveMatching(deviceID, msgType string, ts float64) bool {
	bucket, ok := s.buckets[deviceID]
	if !ok {
		return false
	}
	for i, msg := range bucket {
		if msg.Type == msgType && msg.TimeStamp == ts {
			s.buckets[deviceID] = append(bucket[:i], bucket[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the bucket for one device id. Reports whether it existed.
func (s *LogStore) Clear(deviceID string) bool {
	if _, ok := s.buckets[deviceID]; !ok {
		return false
	}
	s.buckets[deviceID] = []*DataMsg{}
	return true
}

// ClearAllExcept wipes every bucket except an optionally preserved one
func (s *LogStore) ClearAllExcept(keep string) {
	for deviceID := range s.buckets {
		if keep == "" || deviceID != keep {
			delete(s.buckets, deviceID)
		}
	}
}

// Snapshot returns the full store keyed by device id
func (s *LogStore) Snapshot() map[string][]*DataMsg {
	snapshot := make(map[string][]*DataMsg, len(s.buckets))
	for deviceID, bucket := range s.buckets {
		copied := make([]*DataMsg, len(bucket))
		copy(copied, bucket)
		snapshot[deviceID] = copied
	}
	return snapshot
}

// Len returns the number of entries stored for a device id
func (s *LogStore) Len(deviceID string) int {
	return len(s.buckets[deviceID])
}
