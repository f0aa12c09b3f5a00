package tasks

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"vlmd/pkg/types"
)

// DefaultDateRules pairs the start/end style fields of common business
// documents.
var DefaultDateRules = []types.DateRule{
	{Before: "start_date", After: "end_date"},
	{Before: "effective_date", After: "termination_date"},
	{Before: "invoice_date", After: "due_date"},
	{Before: "date", After: "due_date"},
	{Before: "order_date", After: "delivery_date"},
}

// FieldDependency requires ThenRequired once IfField has a value.
type FieldDependency struct {
	IfField      string
	ThenRequired []string
}

// FieldPair names the same fact in two records.
type FieldPair struct {
	Primary   string
	Secondary string
}

// ParseDate reads the date layouts documents commonly use.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CheckDateOrder reports rule violations among dates. Unparseable and
// missing dates are skipped; nil rules means DefaultDateRules.
func CheckDateOrder(dates map[string]string, rules []types.DateRule) []string {
	if rules == nil {
		rules = DefaultDateRules
	}
	parsed := make(map[string]time.Time, len(dates))
	for k, v := range dates {
		if t, ok := ParseDate(v); ok {
			parsed[k] = t
		}
	}
	var errs []string
	for _, r := range rules {
		b, okB := parsed[r.Before]
		a, okA := parsed[r.After]
		if okB && okA && b.After(a) {
			errs = append(errs, fmt.Sprintf("%s (%s) should be before %s (%s)", r.Before, dates[r.Before], r.After, dates[r.After]))
		}
	}
	return errs
}

// MissingFields lists the required paths (dot notation) that are absent or
// empty in data.
func MissingFields(data map[string]any, required []string) []string {
	var out []string
	for _, path := range required {
		if isEmpty(lookup(data, path)) {
			out = append(out, path)
		}
	}
	return out
}

// CheckDependencies reports dependent fields missing while their trigger
// field holds a value. Zero numbers and false do not trigger.
func CheckDependencies(data map[string]any, deps []FieldDependency) []string {
	var errs []string
	for _, d := range deps {
		if !isSet(lookup(data, d.IfField)) {
			continue
		}
		for _, req := range d.ThenRequired {
			if isEmpty(lookup(data, req)) {
				errs = append(errs, fmt.Sprintf("%s is required when %s is present", req, d.IfField))
			}
		}
	}
	return errs
}

var spaceRun = regexp.MustCompile(`\s+`)

// CheckCrossReferences compares paired fields of two records, ignoring case
// and runs of whitespace. Pairs with a missing side are skipped.
func CheckCrossReferences(primary, secondary map[string]any, pairs []FieldPair) []string {
	var errs []string
	for _, p := range pairs {
		pv, sv := lookup(primary, p.Primary), lookup(secondary, p.Secondary)
		if !isSet(pv) || !isSet(sv) {
			continue
		}
		if normalizeValue(pv) != normalizeValue(sv) {
			errs = append(errs, fmt.Sprintf("Mismatch: %s='%s' vs %s='%s'", p.Primary, toString(pv), p.Secondary, toString(sv)))
		}
	}
	return errs
}

func normalizeValue(v any) string {
	return spaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(toString(v))), " ")
}

// lookup walks a dot-separated path through nested objects.
func lookup(data map[string]any, path string) any {
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[key]; !ok || cur == nil {
			return nil
		}
	}
	return cur
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func isSet(v any) bool {
	if isEmpty(v) {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return true
}

// schemaChecks runs the cross-field rules a schema declares against
// extracted values.
func schemaChecks(s types.ExtractionSchema, values map[string]any) []string {
	var required []string
	var deps []FieldDependency
	for _, f := range s.Fields {
		if f.Required {
			required = append(required, f.Name)
		}
		if f.RequiredIf != "" {
			deps = append(deps, FieldDependency{IfField: f.RequiredIf, ThenRequired: []string{f.Name}})
		}
	}
	var errs []string
	for _, m := range MissingFields(values, required) {
		errs = append(errs, m+" is required")
	}
	errs = append(errs, CheckDependencies(values, deps)...)
	dates := map[string]string{}
	for k, v := range values {
		if s, ok := v.(string); ok {
			dates[k] = s
		}
	}
	rules := s.DateRules
	if len(rules) == 0 {
		rules = DefaultDateRules
	}
	return append(errs, CheckDateOrder(dates, rules)...)
}
