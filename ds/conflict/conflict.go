// Package conflict classifies document store errors into the three kinds a
// writer must distinguish: transient failures to hand back to the retry
// controller, optimistic concurrency rejections to surface as structured
// sequence conflicts, and everything else, which is fatal to this layer.
//
// The coupling to backend message text is deliberately concentrated here:
// the parsing patterns live in one table, next to the formatters that
// produce the same messages, so the two cannot drift apart.
package conflict

import (
	"errors"
	"fmt"
)

// ErrSequenceConflict is matched by errors.Is for any *SequenceConflict.
var ErrSequenceConflict = errors.New("sequence conflict")

// Details are the structured fields extracted from a conflict message.
type Details struct {
	// Key is the stream the rejected write targeted
	Key string

	// NewSn is the sn the rejected write tried to create
	NewSn int64

	// ExpectedSn is the sn the writer believed was current
	ExpectedSn int64

	// ActualSn is the sn the store found to be current
	ActualSn int64
}

// UnknownDetails is the sentinel returned when no pattern matches the
// error text.
func UnknownDetails() Details {
	return Details{Key: "N/A", NewSn: -1, ExpectedSn: -1, ActualSn: -1}
}

// SequenceConflict is the structured error surfaced when the store rejects
// a write because the stream's live sn no longer matches the caller's
// expectation. Callers must re-read and recompute before writing again;
// retrying the same write verbatim will fail the same way.
type SequenceConflict struct {
	Details Details

	// Cause is the backend error the details were extracted from
	Cause error
}

// Error implements the error interface.
func (e *SequenceConflict) Error() string {
	return fmt.Sprintf("sequence conflict on stream %q: new sn %d, expected sn %d, actual sn %d",
		e.Details.Key, e.Details.NewSn, e.Details.ExpectedSn, e.Details.ActualSn)
}

// Is reports a match for errors.Is(err, ErrSequenceConflict).
func (e *SequenceConflict) Is(target error) bool {
	return target == ErrSequenceConflict
}

// Unwrap returns the backend error the conflict was classified from.
func (e *SequenceConflict) Unwrap() error {
	return e.Cause
}
