package broker

import "sort"

// pendingInteraction is a prompt or acknowledgement-requiring alert that has
// not been answered yet. Once replayed to a re-registering client it is marked
// delivered and never replayed again; only a matching response removes it.
type pendingInteraction struct {
	msg       *DataMsg
	delivered bool
}

// InteractionQueue holds undelivered prompts and alerts keyed by
// (time_stamp, device_id).
type InteractionQueue struct {
	entries []*pendingInteraction
}

func NewInteractionQueue() *InteractionQueue {
	return &InteractionQueue{}
}

// Add queues an interaction awaiting a response
func (q *InteractionQueue) Add(msg *DataMsg) {
	q.entries = append(q.entries, &pendingInteraction{msg: msg})
}

// TakeForReplay returns the not-yet-replayed interactions for a device id in
// ascending time order and marks them delivered.
func (q *InteractionQueue) TakeForReplay(deviceID string) []*DataMsg {
	var replay []*DataMsg
	for _, entry := range q.entries {
		if entry.delivered || entry.msg.DeviceID != deviceID {
			continue
		}
		entry.delivered = true
		replay = append(replay, entry.msg)
	}
	sort.SliceStable(replay, func(i, j int) bool {
		return replay[i].TimeStamp < replay[j].TimeStamp
	})
	return replay
}

// Resolve removes the interaction matched by type, time stamp and device id.
// Unmatched responses are ignored.
func (q *InteractionQueue) Resolve(deviceID, promptType string, ts float64) bool {
	for i, entry := range q.entries {
		if entry.msg.DeviceID == deviceID && entry.msg.Type == promptType && entry.msg.TimeStamp == ts {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Flush drops every queued interaction
func (q *InteractionQueue) Flush() {
	q.entries = nil
}

// Len returns the number of queued interactions
func (q *InteractionQueue) Len() int {
	return len(q.entries)
}
