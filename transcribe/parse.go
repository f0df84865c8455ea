package transcribe

import (
	"strconv"
	"strings"
)

// ParseTimestamp converts "MM:SS" (or "MM:SS - MM:SS", in which case the
// range start is used) to seconds. The second return value reports whether
// the string was parsable; callers choose the fallback for opaque values
// instead of this function swallowing the distinction.
func ParseTimestamp(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "-"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, false
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || m < 0 {
		return 0, false
	}
	sec, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || sec < 0 || sec > 59 {
		return 0, false
	}
	return m*60 + sec, true
}
