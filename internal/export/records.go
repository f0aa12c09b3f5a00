package export

import (
	"encoding/json"
	"sort"
	"strconv"

	"vlmd/pkg/types"
)

// Records flattens data into CSV rows. Inference responses and batch jobs
// (typed or decoded from JSON) use ResponseRecords and BatchRecords. A list
// is one row per element. Any other object is exported through its first
// list of objects, or as a single row when it has none.
func Records(data any) []map[string]any {
	switch v := data.(type) {
	case nil:
		return nil
	case types.InferResponse:
		return ResponseRecords(v)
	case *types.InferResponse:
		return ResponseRecords(*v)
	case types.BatchJobResponse:
		return BatchRecords(v)
	case *types.BatchJobResponse:
		return BatchRecords(*v)
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			} else {
				out = append(out, map[string]any{"value": item})
			}
		}
		return out
	case map[string]any:
		return objectRecords(v)
	}
	// Structs and typed slices go through their JSON form.
	b, err := json.Marshal(data)
	if err != nil {
		return []map[string]any{{"value": cell(data)}}
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil
	}
	if _, ok := generic.(map[string]any); !ok {
		if _, ok := generic.([]any); !ok {
			return []map[string]any{{"value": generic}}
		}
	}
	return Records(generic)
}

func objectRecords(m map[string]any) []map[string]any {
	switch {
	case has(m, "task", "result"):
		var resp types.InferResponse
		if decode(m, &resp) {
			return ResponseRecords(resp)
		}
	case has(m, "id", "status", "items"):
		var job types.BatchJobResponse
		if decode(m, &job) {
			return BatchRecords(job)
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if list, ok := m[k].([]any); ok && len(list) > 0 {
			if _, isObj := list[0].(map[string]any); isObj {
				return Records(list)
			}
		}
	}
	return []map[string]any{m}
}

func has(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func decode(src any, dst any) bool {
	b, err := json.Marshal(src)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, dst) == nil
}

// ResponseRecords flattens one inference response. Multi-page responses
// give one row per page. Otherwise tables give one row per table row,
// fields give one row of name/value columns, entities one row each, and
// anything else a single task/text row.
func ResponseRecords(resp types.InferResponse) []map[string]any {
	if len(resp.Pages) > 0 {
		out := make([]map[string]any, 0, len(resp.Pages))
		for _, p := range resp.Pages {
			rec := map[string]any{"page": p.Page, "task": resp.Task, "text": p.Result.Text}
			addFields(rec, p.Result.Fields)
			out = append(out, rec)
		}
		return out
	}
	return resultRecords(resp.Task, resp.Result)
}

func resultRecords(task string, r types.Result) []map[string]any {
	switch {
	case len(r.Tables) > 0:
		var out []map[string]any
		for ti, t := range r.Tables {
			for _, row := range t.Rows {
				rec := map[string]any{}
				if len(r.Tables) > 1 {
					rec["table"] = ti + 1
				}
				for i, v := range row {
					rec[header(t.Headers, i)] = v
				}
				out = append(out, rec)
			}
		}
		return out
	case len(r.Fields) > 0:
		rec := map[string]any{}
		addFields(rec, r.Fields)
		return []map[string]any{rec}
	case len(r.Entities) > 0:
		out := make([]map[string]any, 0, len(r.Entities))
		for _, e := range r.Entities {
			rec := map[string]any{"type": e.Type, "value": e.Value}
			if e.Span != nil {
				rec["start"], rec["end"] = e.Span.Start, e.Span.End
			}
			if e.Confidence > 0 {
				rec["confidence"] = e.Confidence
			}
			out = append(out, rec)
		}
		return out
	}
	return []map[string]any{{"task": task, "text": r.Text}}
}

// BatchRecords gives one row per batch item with the item's text and
// extracted field values.
func BatchRecords(job types.BatchJobResponse) []map[string]any {
	out := make([]map[string]any, 0, len(job.Items))
	for _, it := range job.Items {
		rec := map[string]any{"index": it.Index, "task": it.Task, "status": it.Status, "error": it.Error}
		if it.Response != nil {
			rec["text"] = it.Response.Result.Text
			addFields(rec, it.Response.Result.Fields)
		}
		out = append(out, rec)
	}
	return out
}

// addFields copies field values into rec without replacing its own columns.
func addFields(rec map[string]any, fields map[string]types.Field) {
	for name, f := range fields {
		if _, taken := rec[name]; !taken {
			rec[name] = f.Value
		}
	}
}

func header(headers []string, i int) string {
	if i < len(headers) && headers[i] != "" {
		return headers[i]
	}
	return "col_" + strconv.Itoa(i+1)
}
