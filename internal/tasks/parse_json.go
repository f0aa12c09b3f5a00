package tasks

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"vlmd/pkg/types"
)

var (
	jsonFenceRe  = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")
	plainFenceRe = regexp.MustCompile("```\\s*([\\s\\S]*?)\\s*```")
	bareObjectRe = regexp.MustCompile(`\{[\s\S]*\}`)
	bareArrayRe  = regexp.MustCompile(`\[[\s\S]*\]`)

	bracketBoxRe = regexp.MustCompile(`\[\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\]`)
	parenBoxRe   = regexp.MustCompile(`\(\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\)`)
	pointPairRe  = regexp.MustCompile(`\(\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\)\s*,\s*\(\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\)`)
	bareBoxRe    = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)`)
)

// ExtractJSONObject finds the first JSON object in model output. Fenced
// ```json blocks are tried first, then plain fences, then the widest {...}
// span.
func ExtractJSONObject(text string) (map[string]any, bool) {
	for _, cand := range jsonCandidates(text, bareObjectRe, '{', '}') {
		var v map[string]any
		if err := json.Unmarshal([]byte(cand), &v); err == nil {
			return v, true
		}
	}
	return nil, false
}

// ExtractJSONArray is ExtractJSONObject for top-level arrays.
func ExtractJSONArray(text string) ([]any, bool) {
	for _, cand := range jsonCandidates(text, bareArrayRe, '[', ']') {
		var v []any
		if err := json.Unmarshal([]byte(cand), &v); err == nil {
			return v, true
		}
	}
	return nil, false
}

func jsonCandidates(text string, bare *regexp.Regexp, open, close byte) []string {
	var out []string
	for _, re := range []*regexp.Regexp{jsonFenceRe, plainFenceRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			out = append(out, trimToDelims(strings.TrimSpace(m[1]), open, close))
		}
	}
	for _, m := range bare.FindAllString(text, -1) {
		out = append(out, trimToDelims(strings.TrimSpace(m), open, close))
	}
	return out
}

// trimToDelims cuts s to the first open through the last close delimiter
// when it does not already start with open.
func trimToDelims(s string, open, close byte) string {
	if len(s) > 0 && s[0] == open {
		return s
	}
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// ParseBox reads one bounding box from text. Accepted forms:
// {"x1":..,"y1":..,"x2":..,"y2":..}, [x1,y1,x2,y2], (x1,y1,x2,y2),
// (x1,y1),(x2,y2) and a bare x1,y1,x2,y2.
func ParseBox(text string) (types.Box, bool) {
	text = strings.TrimSpace(text)
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		if b, ok := BoxFromValue(v); ok {
			return b, true
		}
	}
	for _, re := range []*regexp.Regexp{bracketBoxRe, parenBoxRe, pointPairRe, bareBoxRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			var b types.Box
			for i := 0; i < 4; i++ {
				f, err := strconv.ParseFloat(m[i+1], 64)
				if err != nil {
					return types.Box{}, false
				}
				b[i] = int(math.Round(f))
			}
			return b, true
		}
	}
	return types.Box{}, false
}

// BoxFromValue converts a decoded JSON value (object with x1..y2 keys, or a
// 4-element list) into a Box.
func BoxFromValue(v any) (types.Box, bool) {
	var b types.Box
	switch t := v.(type) {
	case map[string]any:
		for i, k := range []string{"x1", "y1", "x2", "y2"} {
			n, ok := toInt(t[k])
			if !ok {
				return types.Box{}, false
			}
			b[i] = n
		}
		return b, true
	case []any:
		if len(t) != 4 {
			return types.Box{}, false
		}
		for i, e := range t {
			n, ok := toInt(e)
			if !ok {
				return types.Box{}, false
			}
			b[i] = n
		}
		return b, true
	case string:
		return ParseBox(t)
	}
	return types.Box{}, false
}

func boxPtr(v any) *types.Box {
	if v == nil {
		return nil
	}
	if b, ok := BoxFromValue(v); ok {
		return &b
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(math.Round(n)), true
	case json.Number:
		f, err := n.Float64()
		return int(math.Round(f)), err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return int(math.Round(f)), err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		s := strings.TrimSpace(strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", "₹", "", ",", "", " ", "").Replace(n))
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case bool:
		return 0, false
	}
	return 0, false
}

// toString renders scalars as text; nested values become compact JSON.
func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func noStructuredOutput(task string) error {
	return &ParseError{Task: task, Reason: "no JSON found in model output"}
}
