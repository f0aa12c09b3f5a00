package tasks

import (
	"fmt"
	"sort"
	"strings"

	"vlmd/pkg/types"
)

// EntityTypes maps each entity category to its prompt description.
var EntityTypes = map[string]string{
	"PERSON":   "Names of people",
	"ORG":      "Companies, institutions, organizations",
	"LOCATION": "Places, addresses, geographic locations",
	"DATE":     "Dates and times",
	"MONEY":    "Monetary values and currencies",
	"EMAIL":    "Email addresses",
	"PHONE":    "Phone numbers",
	"URL":      "Website URLs",
	"PRODUCT":  "Product names",
	"EVENT":    "Events",
}

var entityAliases = map[string]string{
	"ORGANIZATION": "ORG",
	"ORGANISATION": "ORG",
	"LOC":          "LOCATION",
	"PER":          "PERSON",
	"GPE":          "LOCATION",
}

// NormalizeEntityType upper-cases t and maps aliases onto canonical names.
func NormalizeEntityType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	if a, ok := entityAliases[t]; ok {
		return a
	}
	return t
}

func isEntityType(t string) bool {
	_, ok := EntityTypes[t]
	return ok
}

var nerTmpl = template{
	info: types.TaskInfo{
		ID:            TaskNER,
		Description:   "Tag named entities (people, organizations, dates, money, ...) in text or document images",
		RequiresMedia: false,
		AcceptsText:   true,
	},
	system: "You are a helpful assistant specialized in Named Entity Recognition (NER). " +
		"Identify and extract named entities from text in images, categorizing them " +
		"by type such as person names, organizations, dates, locations, and monetary values.",
}

// NER tags entities. Options: entity_types=PERSON,DATE,...
type NER struct{}

func (NER) Info() types.TaskInfo { return nerTmpl.info }

func requestedEntityTypes(req Request) ([]string, error) {
	raw := req.Option("entity_types")
	if raw == "" {
		all := make([]string, 0, len(EntityTypes))
		for t := range EntityTypes {
			all = append(all, t)
		}
		sort.Strings(all)
		return all, nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		t := NormalizeEntityType(p)
		if t == "" {
			continue
		}
		if !isEntityType(t) {
			return nil, &InputError{Field: "options.entity_types", Reason: "unknown entity type " + p}
		}
		out = append(out, t)
	}
	return out, nil
}

func (NER) BuildPrompt(req Request) (types.PromptSpec, error) {
	kinds, err := requestedEntityTypes(req)
	if err != nil {
		return types.PromptSpec{}, err
	}
	var desc strings.Builder
	for _, k := range kinds {
		fmt.Fprintf(&desc, "- %s: %s\n", k, EntityTypes[k])
	}
	if strings.TrimSpace(req.Text) != "" {
		user := "Tag every named entity in the text below by wrapping it in <TYPE>...</TYPE> tags, " +
			"for example <PERSON>Jane Doe</PERSON>. Use only these types:\n\n" + desc.String() +
			"\nRepeat the full text exactly, adding only the tags.\n\nText:\n" + strings.TrimSpace(req.Text)
		return nerTmpl.prompt(req, user), nil
	}
	user := "Extract all named entities from this image. Identify:\n\n" + desc.String() +
		"\nReturn as JSON array of entities:\n" +
		"```json\n" +
		"{\n" +
		`  "entities": [` + "\n" +
		"    {\n" +
		`      "text": "entity text",` + "\n" +
		`      "type": "ENTITY_TYPE",` + "\n" +
		`      "confidence": 0.95,` + "\n" +
		`      "bbox": {"x1": 0, "y1": 0, "x2": 100, "y2": 50}` + "\n" +
		"    }\n" +
		"  ]\n" +
		"}\n" +
		"```"
	return nerTmpl.prompt(req, user), nil
}

func (n NER) ParseOutput(raw string) (types.Result, error) {
	return n.ParseOutputFor(Request{}, raw)
}

// ParseOutputFor reads inline <TYPE>span</TYPE> markup, or a JSON
// {"entities": [...]} object when the output has no tags. Output without
// either yields no entities.
func (NER) ParseOutputFor(req Request, raw string) (types.Result, error) {
	var res types.Result
	if text, ents, ok := parseEntityMarkup(raw); ok {
		res.Text, res.Entities = text, ents
	} else if obj, ok := ExtractJSONObject(raw); ok {
		res.Text = strings.TrimSpace(req.Text)
		res.Entities = entitiesFromJSON(asSlice(obj["entities"]), res.Text)
	} else {
		res.Text = strings.TrimSpace(raw)
	}
	if req.Option("entity_types") != "" {
		kinds, err := requestedEntityTypes(req)
		if err == nil {
			res.Entities = filterEntities(res.Entities, kinds)
		}
	}
	byType := map[string]int{}
	for _, e := range res.Entities {
		byType[e.Type]++
		if e.Box != nil {
			res.Overlay = append(res.Overlay, types.OverlayBox{Box: *e.Box, Label: e.Type + ": " + e.Value})
		}
	}
	res.Boxes = boxesOf(res.Overlay)
	res.Data = map[string]any{"entities_by_type": byType}
	return res, nil
}

// parseEntityMarkup strips <TYPE>..</TYPE> tags and records each entity's
// byte span in the stripped text. Tags that are unknown or unclosed stay as
// literal text. ok is false when no entity tag was found.
func parseEntityMarkup(raw string) (string, []types.Entity, bool) {
	var (
		out  strings.Builder
		ents []types.Entity
	)
	s := strings.TrimSpace(raw)
	for len(s) > 0 {
		lt := strings.IndexByte(s, '<')
		if lt < 0 {
			out.WriteString(s)
			break
		}
		out.WriteString(s[:lt])
		s = s[lt:]
		gt := strings.IndexByte(s, '>')
		if gt < 0 {
			out.WriteString(s)
			break
		}
		name := s[1:gt]
		kind := NormalizeEntityType(name)
		closeTag := "</" + name + ">"
		end := strings.Index(s[gt+1:], closeTag)
		if name == "" || name != strings.ToUpper(name) || !isEntityType(kind) || end < 0 {
			out.WriteByte('<')
			s = s[1:]
			continue
		}
		value := s[gt+1 : gt+1+end]
		start := out.Len()
		out.WriteString(value)
		ents = append(ents, types.Entity{
			Type:  kind,
			Value: value,
			Span:  &types.Span{Start: start, End: out.Len()},
		})
		s = s[gt+1+end+len(closeTag):]
	}
	if len(ents) == 0 {
		return "", nil, false
	}
	return out.String(), ents, true
}

func entitiesFromJSON(items []any, source string) []types.Entity {
	var (
		ents   []types.Entity
		cursor int
	)
	for _, item := range items {
		m := asMap(item)
		if m == nil {
			continue
		}
		value := toString(firstPresent(m, "text", "value"))
		if value == "" {
			continue
		}
		e := types.Entity{
			Type:  NormalizeEntityType(toString(m["type"])),
			Value: value,
			Box:   boxPtr(m["bbox"]),
		}
		e.Confidence, _ = toFloat(m["confidence"])
		if source != "" {
			if i := strings.Index(source[cursor:], value); i >= 0 {
				e.Span = &types.Span{Start: cursor + i, End: cursor + i + len(value)}
				cursor += i + len(value)
			} else if i := strings.Index(source, value); i >= 0 {
				e.Span = &types.Span{Start: i, End: i + len(value)}
			}
		}
		ents = append(ents, e)
	}
	return ents
}

func filterEntities(ents []types.Entity, kinds []string) []types.Entity {
	keep := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		keep[k] = true
	}
	out := ents[:0:0]
	for _, e := range ents {
		if keep[e.Type] {
			out = append(out, e)
		}
	}
	return out
}
