package conflict

import (
	"fmt"
	"regexp"
	"strconv"
)

// TransientMarker is the text fragment backends embed in an error body when
// a server-side condition check failed for a transient reason. Errors
// carrying it are retryable regardless of status code.
const TransientMarker = "query returned false"

// FormatBulkConflict renders the rejection message raised by the bulk
// insert procedure. The first entry of the pattern table parses it.
func FormatBulkConflict(key string, newSn, expectedSn, actualSn int64) string {
	return fmt.Sprintf("bulk insert rejected for stream %q: new sn %d, expected sn %d, actual sn %d",
		key, newSn, expectedSn, actualSn)
}

// FormatUpsertConflict renders the rejection message raised by the upsert
// procedure. It shares the bulk message's layout, so the same pattern
// parses both.
func FormatUpsertConflict(key string, newSn, expectedSn, actualSn int64) string {
	return fmt.Sprintf("upsert rejected for stream %q: new sn %d, expected sn %d, actual sn %d",
		key, newSn, expectedSn, actualSn)
}

// pattern couples a conflict message regex with its positional extractor.
// Capture order differs between generations of the message format, so each
// entry carries its own mapping instead of assuming one.
type pattern struct {
	re      *regexp.Regexp
	extract func(m []string) Details
}

// conflictPatterns are the known conflict message shapes, newest first.
// The two legacy shapes are kept for backward compatibility with stores
// still running older procedures; treat them as removal candidates only
// after confirming no live backend emits them.
var conflictPatterns = []pattern{
	{
		// current shape, shared by the bulk insert and upsert procedures
		re: regexp.MustCompile(`(?:bulk insert|upsert) rejected for stream "([^"]*)": new sn (-?\d+), expected sn (-?\d+), actual sn (-?\d+)`),
		extract: func(m []string) Details {
			return Details{Key: m[1], NewSn: atoi(m[2]), ExpectedSn: atoi(m[3]), ActualSn: atoi(m[4])}
		},
	},
	{
		// legacy colon-delimited shape from the v1 procedures
		re: regexp.MustCompile(`E_SEQ_CONFLICT:([^:\s]+):(-?\d+):(-?\d+):(-?\d+)`),
		extract: func(m []string) Details {
			return Details{Key: m[1], NewSn: atoi(m[2]), ExpectedSn: atoi(m[3]), ActualSn: atoi(m[4])}
		},
	},
	{
		// legacy prose shape; note the sn captures before the key
		re: regexp.MustCompile(`document with sn (-?\d+) already exists for stream "([^"]*)" \(expected (-?\d+), found (-?\d+)\)`),
		extract: func(m []string) Details {
			return Details{Key: m[2], NewSn: atoi(m[1]), ExpectedSn: atoi(m[3]), ActualSn: atoi(m[4])}
		},
	},
}

// parseConflict runs the text through the pattern table and returns the
// extracted details of the first match.
func parseConflict(text string) (Details, bool) {
	for _, p := range conflictPatterns {
		if m := p.re.FindStringSubmatch(text); m != nil {
			return p.extract(m), true
		}
	}
	return Details{}, false
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
