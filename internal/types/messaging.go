package types

import "time"

// QueuedBroadcast is the queue envelope used when broadcasts are handed to
// cmd/notify-worker instead of being delivered inline. The message is
// already formatted; workers never see raw webhook payloads.
type QueuedBroadcast struct {
	ServerID   string    `json:"server_id"`
	Kind       EventKind `json:"kind"`
	Lines      []string  `json:"lines"`
	RequestID  string    `json:"request_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
