package tasks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"vlmd/pkg/types"
)

var (
	emailRe      = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phoneStripRe = regexp.MustCompile(`[\s\-.()]`)
	phoneRe      = regexp.MustCompile(`^\+?\d{7,15}$`)
	urlRe        = regexp.MustCompile(`(?i)^https?://[^\s/$.?#].[^\s]*$`)
	currencyRepl = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", "₹", "", ",", "", " ", "", "\t", "")

	dateLayouts = []string{
		"2006-1-2",
		"2/1/2006",
		"1/2/2006",
		"2-1-2006",
		"January 2, 2006",
		"Jan 2, 2006",
		"2 January 2006",
		"2 Jan 2006",
	}
)

// FieldTypes lists the value types that have a validator. Other types are
// accepted as-is.
var FieldTypes = []string{"email", "phone", "date", "currency", "url", "percentage", "integer"}

// ValidateValue checks value against fieldType and returns a reason when
// it does not conform. Unknown types always pass.
func ValidateValue(fieldType, value string) (bool, string) {
	v := strings.TrimSpace(value)
	switch fieldType {
	case "email":
		if emailRe.MatchString(v) {
			return true, ""
		}
		return false, "invalid email format: " + value
	case "phone":
		if phoneRe.MatchString(phoneStripRe.ReplaceAllString(v, "")) {
			return true, ""
		}
		return false, "invalid phone format: " + value
	case "date":
		if _, ok := ParseDate(v); ok {
			return true, ""
		}
		return false, "invalid date format: " + value
	case "currency":
		if _, err := strconv.ParseFloat(currencyRepl.Replace(v), 64); err == nil {
			return true, ""
		}
		return false, "invalid currency format: " + value
	case "url":
		if urlRe.MatchString(v) {
			return true, ""
		}
		return false, "invalid URL format: " + value
	case "percentage":
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimRight(v, "%")), 64)
		if err != nil {
			return false, "invalid percentage format: " + value
		}
		if n < 0 || n > 100 {
			return false, "percentage out of range: " + value
		}
		return true, ""
	case "integer":
		if _, err := strconv.ParseInt(strings.NewReplacer(",", "", " ", "").Replace(v), 10, 64); err == nil {
			return true, ""
		}
		return false, "invalid integer format: " + value
	}
	return true, ""
}

// knownFieldType reports whether t may appear in an extraction schema.
func knownFieldType(t string) bool {
	switch t {
	case "", "string", "array", "number", "boolean":
		return true
	}
	for _, ft := range FieldTypes {
		if ft == t {
			return true
		}
	}
	return false
}

// CheckSchema reports the first problem with a field extraction schema.
func CheckSchema(s *types.ExtractionSchema) error {
	if s == nil || len(s.Fields) == 0 {
		return &InputError{Field: "schema.fields", Reason: "must list at least one field"}
	}
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return &InputError{Field: fmt.Sprintf("schema.fields[%d].name", i), Reason: "is required"}
		}
		if seen[name] {
			return &InputError{Field: fmt.Sprintf("schema.fields[%d].name", i), Reason: "duplicate field " + name}
		}
		seen[name] = true
		if !knownFieldType(f.Type) {
			return &InputError{Field: fmt.Sprintf("schema.fields[%d].type", i), Reason: "unsupported type " + f.Type}
		}
	}
	for i, f := range s.Fields {
		if f.RequiredIf != "" && (!seen[f.RequiredIf] || f.RequiredIf == strings.TrimSpace(f.Name)) {
			return &InputError{Field: fmt.Sprintf("schema.fields[%d].required_if", i), Reason: "must name another field of the schema"}
		}
	}
	for i, r := range s.DateRules {
		if !seen[r.Before] || !seen[r.After] {
			return &InputError{Field: fmt.Sprintf("schema.date_rules[%d]", i), Reason: "before and after must name fields of the schema"}
		}
	}
	return nil
}
