package tasks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"vlmd/pkg/types"
)

/*
Grammar for grounding markup emitted by Qwen-VL models:

Document := Segment*
Segment  := Box | Ref | Point | Text
Box      := "<box>" <coords> "</box>"
Ref      := "<ref>" <text> "</ref>"
Point    := "<point" <attrs> ( "/>" | ">" )

Coordinates inside a box use any form ParseBox accepts. Text is everything
else, including stray angle brackets.
*/

var (
	markupLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "BoxOpen", Pattern: `<box>`},
		{Name: "BoxClose", Pattern: `</box>`},
		{Name: "RefOpen", Pattern: `<ref>`},
		{Name: "RefClose", Pattern: `</ref>`},
		{Name: "PointOpen", Pattern: `<point\b`},
		{Name: "SelfClose", Pattern: `/>`},
		{Name: "Text", Pattern: `[^<>/]+`},
		{Name: "Punct", Pattern: `[<>/]`},
	})

	markupParser = participle.MustBuild[markupDoc](
		participle.Lexer(markupLexer),
	)

	pointAttrRe = regexp.MustCompile(`\b([xy])\s*=\s*"?(-?\d+(?:\.\d+)?)"?`)
)

type markupDoc struct {
	Segments []*markupSegment `parser:"@@*"`
}

type markupSegment struct {
	Box   *markupBox   `parser:"  @@"`
	Ref   *markupRef   `parser:"| @@"`
	Point *markupPoint `parser:"| @@"`
	Text  string       `parser:"| @(Text | Punct | SelfClose)+"`
}

type markupBox struct {
	Coords string `parser:"BoxOpen @(Text | Punct)* BoxClose"`
}

type markupRef struct {
	Label string `parser:"RefOpen @(Text | Punct | SelfClose)* RefClose"`
}

type markupPoint struct {
	Attrs string `parser:"PointOpen @(Text | \"/\")* ( SelfClose | \">\" )"`
}

// SegmentKind tags a parsed markup segment.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentBox
	SegmentRef
	SegmentPoint
)

// Point is an (x, y) coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Segment is one element of parsed markup, in document order.
type Segment struct {
	Kind  SegmentKind
	Text  string
	Box   types.Box
	Point Point
}

// HasMarkup reports whether text contains any box, ref or point tag.
func HasMarkup(text string) bool {
	return strings.Contains(text, "<box>") || strings.Contains(text, "<ref>") || strings.Contains(text, "<point")
}

// ParseMarkup tokenizes grounding markup into segments.
func ParseMarkup(text string) ([]Segment, error) {
	doc, err := markupParser.ParseString("", text)
	if err != nil {
		return nil, fmt.Errorf("markup: %w", err)
	}
	out := make([]Segment, 0, len(doc.Segments))
	for _, s := range doc.Segments {
		switch {
		case s.Box != nil:
			b, ok := ParseBox(s.Box.Coords)
			if !ok {
				return nil, fmt.Errorf("markup: bad box coordinates %q", s.Box.Coords)
			}
			out = append(out, Segment{Kind: SegmentBox, Box: b})
		case s.Ref != nil:
			out = append(out, Segment{Kind: SegmentRef, Text: strings.TrimSpace(s.Ref.Label)})
		case s.Point != nil:
			p, ok := parsePointAttrs(s.Point.Attrs)
			if !ok {
				return nil, fmt.Errorf("markup: bad point %q", s.Point.Attrs)
			}
			out = append(out, Segment{Kind: SegmentPoint, Point: p})
		default:
			out = append(out, Segment{Kind: SegmentText, Text: s.Text})
		}
	}
	return out, nil
}

func parsePointAttrs(attrs string) (Point, bool) {
	var p Point
	seen := 0
	for _, m := range pointAttrRe.FindAllStringSubmatch(attrs, -1) {
		f, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return Point{}, false
		}
		if m[1] == "x" {
			p.X = int(f)
		} else {
			p.Y = int(f)
		}
		seen++
	}
	return p, seen >= 2
}

// ParsePoints returns every <point x=".." y=".."/> in text.
func ParsePoints(text string) []Point {
	segs, err := ParseMarkup(text)
	if err != nil {
		return nil
	}
	var pts []Point
	for _, s := range segs {
		if s.Kind == SegmentPoint {
			pts = append(pts, s.Point)
		}
	}
	return pts
}
