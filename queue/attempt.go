package queue

import "time"

// Attempt records a single failed handler invocation of an event.
// NextRetryAt is zero on the final attempt (no retry was scheduled).
type Attempt struct {
	Attempt     int       `json:"attempt" msgpack:"attempt"`
	Timestamp   time.Time `json:"timestamp" msgpack:"timestamp"`
	Error       string    `json:"error" msgpack:"error"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty" msgpack:"next_retry_at,omitempty"`
}
