package tasks

import (
	"fmt"
	"sort"
	"strings"

	"vlmd/pkg/types"
)

var fieldTmpl = template{
	info: types.TaskInfo{
		ID:            TaskFieldExtraction,
		Description:   "Extract named fields from a schema or preset (invoice, receipt, id_card, business_card)",
		RequiresMedia: true,
	},
	system: "You are a helpful assistant specialized in extracting specific fields " +
		"from documents. Extract only the requested fields and provide confidence " +
		"scores for each extracted value.",
}

// FieldExtraction extracts schema fields and validates their values by type.
type FieldExtraction struct{}

func (FieldExtraction) Info() types.TaskInfo { return fieldTmpl.info }

// SchemaFor resolves the schema of a request: preset first, then the
// explicit schema, then the invoice preset.
func SchemaFor(req types.InferRequest) (types.ExtractionSchema, error) {
	if req.Preset != "" {
		s, ok := Preset(req.Preset)
		if !ok {
			return types.ExtractionSchema{}, &InputError{Field: "preset", Reason: fmt.Sprintf("unknown preset %q (valid: %s)", req.Preset, strings.Join(Presets(), ", "))}
		}
		return s, nil
	}
	if req.Schema != nil {
		if err := CheckSchema(req.Schema); err != nil {
			return types.ExtractionSchema{}, err
		}
		return *req.Schema, nil
	}
	s, _ := Preset("invoice")
	return s, nil
}

func (FieldExtraction) BuildPrompt(req Request) (types.PromptSpec, error) {
	schema, err := SchemaFor(req.InferRequest)
	if err != nil {
		return types.PromptSpec{}, err
	}
	return fieldTmpl.prompt(req, schemaPrompt(schema)), nil
}

func schemaPrompt(s types.ExtractionSchema) string {
	var b strings.Builder
	b.WriteString("Extract the following fields from this document:\n\n")
	for _, f := range s.Fields {
		t := f.Type
		if t == "" {
			t = "string"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Name, t, f.Description)
	}
	b.WriteString("\nReturn as JSON with field names as keys. For each field, provide:\n" +
		"- value: the extracted value\n" +
		"- confidence: confidence score (0.0 to 1.0)\n" +
		"- bbox: bounding box coordinates (optional)\n\n" +
		"Example:\n" +
		"```json\n" +
		"{\n" +
		`  "fields": {` + "\n" +
		`    "field_name": {` + "\n" +
		`      "value": "extracted value",` + "\n" +
		`      "confidence": 0.95,` + "\n" +
		`      "bbox": {"x1": 0, "y1": 0, "x2": 100, "y2": 50}` + "\n" +
		"    }\n" +
		"  }\n" +
		"}\n" +
		"```")
	return b.String()
}

func (f FieldExtraction) ParseOutput(raw string) (types.Result, error) {
	return f.ParseOutputFor(Request{}, raw)
}

// ParseOutputFor reads {"fields": {name: {value, confidence, bbox}}}. A bare
// {name: value} object is accepted too. Values are checked against the
// schema types; failures are attached to the field, not returned. Required,
// required_if and date ordering problems go to Data["cross_field_errors"].
func (FieldExtraction) ParseOutputFor(req Request, raw string) (types.Result, error) {
	obj, ok := ExtractJSONObject(raw)
	if !ok {
		return types.Result{}, noStructuredOutput(TaskFieldExtraction)
	}
	fieldsObj := asMap(obj["fields"])
	if fieldsObj == nil {
		fieldsObj = obj
	}
	typeOf := map[string]string{}
	schema, schemaErr := SchemaFor(req.InferRequest)
	if schemaErr == nil {
		for _, sf := range schema.Fields {
			typeOf[sf.Name] = sf.Type
		}
	}
	res := types.Result{Fields: make(map[string]types.Field, len(fieldsObj))}
	names := make([]string, 0, len(fieldsObj))
	for name := range fieldsObj {
		names = append(names, name)
	}
	sort.Strings(names)
	invalid := 0
	values := make(map[string]any, len(names))
	for _, name := range names {
		v := fieldsObj[name]
		fld := types.Field{Type: typeOf[name]}
		if m := asMap(v); m != nil {
			fld.Value = toString(m["value"])
			fld.Confidence, _ = toFloat(m["confidence"])
			fld.Box = boxPtr(m["bbox"])
		} else {
			fld.Value = toString(v)
		}
		if fld.Value != "" {
			if ok, reason := ValidateValue(fld.Type, fld.Value); !ok {
				fld.Errors = append(fld.Errors, reason)
				invalid++
			}
		}
		if fld.Box != nil {
			res.Overlay = append(res.Overlay, types.OverlayBox{Box: *fld.Box, Label: name})
		}
		res.Fields[name] = fld
		if fld.Value != "" {
			values[name] = fld.Value
		}
	}
	cross := []string{}
	if schemaErr == nil {
		cross = append(cross, schemaChecks(schema, values)...)
	}
	res.Boxes = boxesOf(res.Overlay)
	res.Data = map[string]any{"invalid_fields": invalid, "cross_field_errors": cross}
	return res, nil
}
