package report

import "regexp"

// ansiPattern matches ANSI escape sequences (CSI color/cursor codes and the
// simpler two-byte escapes) as emitted by tool tracebacks.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b[@-Z\\-_]`)

// StripANSI removes ANSI escape sequences from a string
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// stripANSIValue strips ANSI sequences from string values nested anywhere
// inside decoded JSON: strings, maps, and lists. Other values pass through.
func stripANSIValue(v any) any {
	switch val := v.(type) {
	case string:
		return StripANSI(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = stripANSIValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stripANSIValue(item)
		}
		return out
	default:
		return v
	}
}
