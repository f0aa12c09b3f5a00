package tasks

import (
	"regexp"
	"strings"
)

var (
	quotedPairRe = regexp.MustCompile(`"([^"]+)"\s*:\s*"([^"]*)"`)
	linePairRe   = regexp.MustCompile(`([^:\n=]+)\s*[:=]\s*([^\n]+)`)
)

// ExtractKeyValues pulls key/value pairs out of model output. A JSON object
// wins when present; otherwise `"k": "v"`, `k: v` and `k = v` lines are
// collected, first occurrence of a key kept.
func ExtractKeyValues(text string) map[string]string {
	if obj, ok := ExtractJSONObject(text); ok {
		out := make(map[string]string, len(obj))
		for k, v := range obj {
			out[k] = toString(v)
		}
		return out
	}
	out := map[string]string{}
	for _, re := range []*regexp.Regexp{quotedPairRe, linePairRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			k := strings.Trim(strings.TrimSpace(m[1]), `"`)
			v := strings.Trim(strings.TrimSpace(m[2]), `"`)
			if k == "" {
				continue
			}
			if _, dup := out[k]; !dup {
				out[k] = v
			}
		}
	}
	return out
}
