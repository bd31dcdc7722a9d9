package assistant

import "strings"

// IsPlaceholderThreadID reports whether id cannot name a real remote
// thread and must be replaced before use.
func IsPlaceholderThreadID(id string) bool {
	id = strings.TrimSpace(id)
	switch strings.ToLower(id) {
	case "", "null", "undefined", "none":
		return true
	}
	if !strings.HasPrefix(id, "thread_") || len(id) == len("thread_") {
		return true
	}
	for _, p := range []string{"thread_temp", "thread_placeholder", "thread_fake", "thread_pending"} {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}
