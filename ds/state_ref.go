package ds

import "fmt"

// StateRef pairs a stream key with the sequence number the caller last
// observed. It is passed with every write as the expected-current-sn for
// optimistic concurrency: the write commits only if the stream's live sn
// still equals Sn at commit time.
//
// Sn = 0 means "stream empty / no prior state".
type StateRef struct {
	Key StreamKey
	Sn  int64
}

// String returns a string representation of the StateRef.
func (r StateRef) String() string {
	return fmt.Sprintf("%s@sn=%d", r.Key, r.Sn)
}
