package tasks

import (
	"fmt"
	"strings"
)

// ParseOptions reads repeated key=value task options, as sent by the upload
// form and the CLI --option flag. Later keys win.
func ParseOptions(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, &InputError{Field: "options", Reason: fmt.Sprintf("%q: expected key=value", kv)}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
