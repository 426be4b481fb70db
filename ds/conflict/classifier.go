package conflict

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/streamhaus/docstream/ds/docstore"
)

// Kind is the handling class of a backend error.
type Kind int

const (
	// KindFatal is any error matching neither the transient nor the
	// conflict shapes. Writers bail on it.
	KindFatal Kind = iota

	// KindTransient is a rate-limit or store-reported transient failure.
	// Writers return it so the retry controller tries again.
	KindTransient

	// KindConflict is an optimistic concurrency rejection. Writers bail
	// with a *SequenceConflict carrying the extracted details.
	KindConflict
)

// String returns a string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "Transient"
	case KindConflict:
		return "Conflict"
	default:
		return "Fatal"
	}
}

// Classifier decides how a backend error should be handled.
// Implementations must be safe for concurrent use.
type Classifier interface {
	// Classify returns the error's handling class. The transient check
	// runs before the conflict check: an error that is both retryable
	// and conflict-shaped is handled as transient.
	Classify(err error) Kind

	// Details extracts the structured conflict fields from the error,
	// returning UnknownDetails() when no pattern matches.
	Details(err error) Details

	// RetryAfter resolves a server-provided backoff hint from the
	// error, reporting whether one was present.
	RetryAfter(err error) (time.Duration, bool)
}

// DefaultClassifier classifies errors against the known backend message
// shapes. The zero value is ready to use.
type DefaultClassifier struct{}

// NewClassifier returns a Classifier over the built-in pattern table.
func NewClassifier() *DefaultClassifier {
	return &DefaultClassifier{}
}

// Classify implements Classifier.
func (*DefaultClassifier) Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	if isRetryable(err) {
		return KindTransient
	}
	if _, ok := parseConflict(errorText(err)); ok {
		return KindConflict
	}
	return KindFatal
}

// Details implements Classifier.
func (*DefaultClassifier) Details(err error) Details {
	if err == nil {
		return UnknownDetails()
	}
	if d, ok := parseConflict(errorText(err)); ok {
		return d
	}
	return UnknownDetails()
}

// RetryAfter implements Classifier.
func (*DefaultClassifier) RetryAfter(err error) (time.Duration, bool) {
	var reqErr *docstore.RequestError
	if !errors.As(err, &reqErr) {
		return 0, false
	}
	if reqErr.RetryAfter > 0 {
		return reqErr.RetryAfter, true
	}
	if reqErr.Body != "" {
		if v := gjson.Get(reqErr.Body, "retryAfterMs"); v.Exists() {
			return time.Duration(v.Int()) * time.Millisecond, true
		}
	}
	return 0, false
}

var defaultClassifier = NewClassifier()

// IsRetryable reports whether the error is a rate-limit or store-reported
// transient failure that the retry controller should retry.
func IsRetryable(err error) bool {
	return defaultClassifier.Classify(err) == KindTransient
}

// IsSequenceConflict reports whether the error text matches one of the
// known conflict message shapes.
func IsSequenceConflict(err error) bool {
	return defaultClassifier.Classify(err) == KindConflict
}

// ExtractDetails parses the conflict details out of the error using the
// default classifier.
func ExtractDetails(err error) Details {
	return defaultClassifier.Details(err)
}

func isRetryable(err error) bool {
	var reqErr *docstore.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		if strings.Contains(reqErr.Message, TransientMarker) {
			return true
		}
		if reqErr.Body != "" && strings.Contains(bodyText(reqErr.Body), TransientMarker) {
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), TransientMarker)
}

// errorText resolves the message to run through the pattern table.
// Structured request errors prefer the nested body message when present;
// anything else falls back to Error().
func errorText(err error) string {
	var reqErr *docstore.RequestError
	if !errors.As(err, &reqErr) {
		return err.Error()
	}
	if reqErr.Body != "" {
		if t := bodyText(reqErr.Body); t != "" {
			return t
		}
	}
	return reqErr.Message
}

// bodyText pulls the human-readable message out of a structured error
// body. Backends nest the interesting text either in an "Errors" array or
// under "message"; the raw body is the fallback for plain-text payloads.
func bodyText(body string) string {
	if v := gjson.Get(body, "Errors.0"); v.Exists() {
		return v.String()
	}
	if v := gjson.Get(body, "message"); v.Exists() {
		return v.String()
	}
	return body
}
