package tasks

import (
	"fmt"
	"sort"
	"strings"

	"vlmd/pkg/types"
)

// Merge strategies for multi-page requests.
const (
	MergeConcatenate = "concatenate"
	MergeStructured  = "structured"
)

const pageSeparator = "\n\n"

// ValidMerge reports whether s names a merge strategy. Empty selects
// MergeConcatenate.
func ValidMerge(s string) bool {
	return s == "" || s == MergeConcatenate || s == MergeStructured
}

// MergePages combines per-page results into one document result.
//
// concatenate joins page texts under "--- Page N ---" markers and keeps
// each page's data under data.pages. structured joins the bare texts,
// collects every data key into a list across pages and records field
// values that disagree between pages under data.conflicts.
//
// Entity spans are shifted into the merged text. Tables are appended in
// page order and the first non-empty value of a field wins. Boxes stay
// on the pages since their coordinates are page-relative.
func MergePages(strategy string, pages []types.PageResult) (types.Result, error) {
	if !ValidMerge(strategy) {
		return types.Result{}, &InputError{Field: "merge", Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
	var (
		out  types.Result
		text strings.Builder
	)
	for i, p := range pages {
		if i > 0 {
			text.WriteString(pageSeparator)
		}
		if strategy != MergeStructured {
			fmt.Fprintf(&text, "--- Page %d ---%s", p.Page, pageSeparator)
		}
		offset := text.Len()
		text.WriteString(p.Result.Text)
		out.Entities = append(out.Entities, shiftEntities(p.Result.Entities, offset)...)
		out.Tables = append(out.Tables, p.Result.Tables...)
		for name, f := range p.Result.Fields {
			if cur, ok := out.Fields[name]; ok && strings.TrimSpace(cur.Value) != "" {
				continue
			}
			if out.Fields == nil {
				out.Fields = map[string]types.Field{}
			}
			out.Fields[name] = f
		}
	}
	out.Text = text.String()

	if strategy == MergeStructured {
		out.Data = structuredData(pages)
	} else {
		out.Data = concatenatedData(pages)
	}
	return out, nil
}

func shiftEntities(in []types.Entity, offset int) []types.Entity {
	out := make([]types.Entity, len(in))
	for i, e := range in {
		if e.Span != nil {
			e.Span = &types.Span{Start: e.Span.Start + offset, End: e.Span.End + offset}
		}
		out[i] = e
	}
	return out
}

func concatenatedData(pages []types.PageResult) map[string]any {
	var all []any
	for _, p := range pages {
		if len(p.Result.Data) == 0 {
			continue
		}
		all = append(all, map[string]any{"page": p.Page, "data": p.Result.Data})
	}
	if len(all) == 0 {
		return nil
	}
	return map[string]any{"pages": all}
}

func structuredData(pages []types.PageResult) map[string]any {
	combined := map[string]any{}
	for _, p := range pages {
		for k, v := range p.Result.Data {
			list, _ := combined[k].([]any)
			switch vv := v.(type) {
			case []any:
				list = append(list, vv...)
			case []string:
				for _, s := range vv {
					list = append(list, s)
				}
			default:
				list = append(list, v)
			}
			if list == nil {
				list = []any{}
			}
			combined[k] = list
		}
	}
	if conflicts := fieldConflicts(pages); len(conflicts) > 0 {
		combined["conflicts"] = conflicts
	}
	if len(combined) == 0 {
		return nil
	}
	return combined
}

// fieldConflicts compares the fields of the first page that has any with
// the same fields on every later page.
func fieldConflicts(pages []types.PageResult) []string {
	var (
		primary map[string]any
		out     []string
	)
	for _, p := range pages {
		if len(p.Result.Fields) == 0 {
			continue
		}
		values := fieldValues(p.Result.Fields)
		if primary == nil {
			primary = values
			continue
		}
		var pairs []FieldPair
		for name := range values {
			if _, ok := primary[name]; ok {
				pairs = append(pairs, FieldPair{Primary: name, Secondary: name})
			}
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].Primary < pairs[j].Primary })
		for _, c := range CheckCrossReferences(primary, values, pairs) {
			out = append(out, fmt.Sprintf("page %d: %s", p.Page, c))
		}
	}
	return out
}

func fieldValues(fields map[string]types.Field) map[string]any {
	out := make(map[string]any, len(fields))
	for name, f := range fields {
		if strings.TrimSpace(f.Value) != "" {
			out[name] = f.Value
		}
	}
	return out
}
