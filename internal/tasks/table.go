package tasks

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"vlmd/pkg/types"
)

var tableTmpl = template{
	info: types.TaskInfo{
		ID:            TaskTable,
		Description:   "Extract tables with headers and rows, optionally as CSV",
		RequiresMedia: true,
	},
	system: "You are a helpful assistant specialized in extracting tables from documents. " +
		"Identify tables, extract their structure including headers and cells, " +
		"and convert them to structured formats like JSON or CSV.",
}

const tablePrompt = "Extract all tables from this image. For each table:\n" +
	"1. Identify the table boundaries (bounding box)\n" +
	"2. Extract headers (column names)\n" +
	"3. Extract all rows of data\n\n" +
	"Return as JSON:\n" +
	"```json\n" +
	"{\n" +
	`  "tables": [` + "\n" +
	"    {\n" +
	`      "bbox": {"x1": 0, "y1": 0, "x2": 500, "y2": 300},` + "\n" +
	`      "headers": ["Column1", "Column2"],` + "\n" +
	`      "rows": [` + "\n" +
	`        ["value1", "value2"],` + "\n" +
	`        ["value3", "value4"]` + "\n" +
	"      ]\n" +
	"    }\n" +
	"  ]\n" +
	"}\n" +
	"```"

// Table extracts tables. Options: output_format=json|csv.
type Table struct{}

func (Table) Info() types.TaskInfo { return tableTmpl.info }

func (Table) BuildPrompt(req Request) (types.PromptSpec, error) {
	switch req.Option("output_format") {
	case "", "json", "csv":
	default:
		return types.PromptSpec{}, &InputError{Field: "options.output_format", Reason: "must be json or csv"}
	}
	return tableTmpl.prompt(req, tablePrompt), nil
}

func (t Table) ParseOutput(raw string) (types.Result, error) {
	return t.ParseOutputFor(Request{}, raw)
}

func (Table) ParseOutputFor(req Request, raw string) (types.Result, error) {
	obj, ok := ExtractJSONObject(raw)
	if !ok {
		return types.Result{}, noStructuredOutput(TaskTable)
	}
	var res types.Result
	for i, item := range asSlice(obj["tables"]) {
		m := asMap(item)
		if m == nil {
			continue
		}
		tbl := types.Table{Box: boxPtr(m["bbox"]), Headers: []string{}, Rows: [][]string{}}
		for _, h := range asSlice(m["headers"]) {
			tbl.Headers = append(tbl.Headers, toString(h))
		}
		for _, r := range asSlice(m["rows"]) {
			var row []string
			for _, c := range asSlice(r) {
				row = append(row, toString(c))
			}
			tbl.Rows = append(tbl.Rows, row)
		}
		res.Tables = append(res.Tables, tbl)
		if tbl.Box != nil {
			res.Overlay = append(res.Overlay, types.OverlayBox{Box: *tbl.Box, Label: fmt.Sprintf("Table %d", i+1)})
		}
	}
	res.Boxes = boxesOf(res.Overlay)
	if req.Option("output_format") == "csv" && len(res.Tables) > 0 {
		out, err := TablesToCSV(res.Tables)
		if err != nil {
			return types.Result{}, &ParseError{Task: TaskTable, Reason: err.Error()}
		}
		res.Data = map[string]any{"csv": out}
	}
	return res, nil
}

// TablesToCSV renders tables one after another, separated by a blank line.
func TablesToCSV(tables []types.Table) (string, error) {
	var buf bytes.Buffer
	for i, t := range tables {
		if i > 0 {
			buf.WriteString("\n")
		}
		w := csv.NewWriter(&buf)
		if len(t.Headers) > 0 {
			if err := w.Write(t.Headers); err != nil {
				return "", err
			}
		}
		if err := w.WriteAll(t.Rows); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
