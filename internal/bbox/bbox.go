// Package bbox decodes raw numeric payloads from vision models into
// normalized pixel rectangles. Per-model quirks are a closed set of variant
// handlers selected by family tag — a lookup table of small pure functions,
// not a class hierarchy.
package bbox

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"pinpoint/internal/types"
)

// DefaultBoxSize is the side length, in pixels, of the square a bare point
// coordinate expands to.
const DefaultBoxSize = 20

// DecodeError marks a malformed or out-of-range coordinate payload. The
// resolver recovers it locally and folds it into the retry loop.
type DecodeError struct {
	Reason string
	Values []float64
}

func (e *DecodeError) Error() string {
	if len(e.Values) == 0 {
		return "bbox decode: " + e.Reason
	}
	return fmt.Sprintf("bbox decode: %s (values %v)", e.Reason, e.Values)
}

type decodeFunc func(vals []float64, w, h float64) (types.Rect, error)

// Each family owns one pure decode function. Adding a model means adding a
// row here, never branching inside the decoders.
var families = map[types.ModelFamily]decodeFunc{
	types.FamilyNormalized:  decodeNormalized,
	types.FamilyPixel:       decodePixel,
	types.FamilyAxisSwapped: decodeAxisSwapped,
}

// Decode turns a numeric sequence (2-8 values) into a clamped pixel
// rectangle for the given viewport. A rectangle that collapses after
// clamping is a decode failure, never a degenerate box.
func Decode(vals []float64, family types.ModelFamily, w, h float64) (types.Rect, error) {
	if w <= 0 || h <= 0 {
		return types.Rect{}, &DecodeError{Reason: fmt.Sprintf("invalid viewport %gx%g", w, h)}
	}
	if len(vals) < 2 || len(vals) > 8 {
		return types.Rect{}, &DecodeError{Reason: fmt.Sprintf("expected 2-8 values, got %d", len(vals)), Values: vals}
	}

	decode := families[types.CanonicalFamily(string(family))]
	rect, err := decode(vals, w, h)
	if err != nil {
		return types.Rect{}, err
	}

	rect = clamp(rect, w, h)
	if rect.Empty() {
		return types.Rect{}, &DecodeError{Reason: "box collapsed after clamping", Values: vals}
	}
	return rect, nil
}

// DecodeField tokenizes a raw structured-payload field (string, number
// list, or nested list) and decodes it. A non-numeric token fails only this
// field, surfacing as a DecodeError; the caller's other fields survive.
func DecodeField(raw any, family types.ModelFamily, w, h float64) (types.Rect, error) {
	vals, err := Tokenize(raw)
	if err != nil {
		return types.Rect{}, err
	}
	return Decode(vals, family, w, h)
}

// Tokenize flattens the bbox field shapes models actually emit into a flat
// float slice: "940 445 969 490", ["123,222","789,100"], [[x1,y1,x2,y2]],
// or a plain number list.
func Tokenize(raw any) ([]float64, error) {
	switch v := raw.(type) {
	case nil:
		return nil, &DecodeError{Reason: "missing bbox field"}
	case string:
		return splitNumbers(v)
	case []float64:
		return v, nil
	case []any:
		// Nested array: some models wrap the box one level deep.
		if len(v) > 0 {
			if inner, ok := v[0].([]any); ok {
				v = inner
			}
		}
		var out []float64
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			case string:
				parts, err := splitNumbers(n)
				if err != nil {
					return nil, err
				}
				out = append(out, parts...)
			default:
				return nil, &DecodeError{Reason: fmt.Sprintf("unsupported bbox element %T", item)}
			}
		}
		return out, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported bbox payload %T", raw)}
	}
}

func splitNumbers(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("non-numeric token %q", f)}
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, &DecodeError{Reason: "empty bbox field"}
	}
	return out, nil
}

// decodeNormalized scales 0-1000 coordinates to the viewport. 2/3/7-value
// payloads are treated as a center point, 4/5 as a standard box, and 6/8 as
// a polygon reduced through a fixed corner-index selection (indices
// 0,1,4,5). The corner rule is what the paired JS/Python tooling applies;
// cache files move between the implementations, so it is kept as-is.
func decodeNormalized(vals []float64, w, h float64) (types.Rect, error) {
	scaleX := func(v float64) float64 { return math.Round(v * w / 1000) }
	scaleY := func(v float64) float64 { return math.Round(v * h / 1000) }

	switch len(vals) {
	case 2, 3, 7:
		return pointBox(scaleX(vals[0]), scaleY(vals[1]), w, h), nil
	case 4, 5:
		return types.Rect{
			Left: scaleX(vals[0]), Top: scaleY(vals[1]),
			Right: scaleX(vals[2]), Bottom: scaleY(vals[3]),
		}, nil
	case 6, 8:
		return types.Rect{
			Left: scaleX(vals[0]), Top: scaleY(vals[1]),
			Right: scaleX(vals[4]), Bottom: scaleY(vals[5]),
		}, nil
	}
	return types.Rect{}, &DecodeError{Reason: fmt.Sprintf("unsupported value count %d", len(vals)), Values: vals}
}

// decodePixel uses coordinates as-is. A bare point extends right and down
// by DefaultBoxSize, matching qwen2.5-vl conventions.
func decodePixel(vals []float64, w, h float64) (types.Rect, error) {
	left := math.Round(vals[0])
	top := math.Round(vals[1])
	right := left + DefaultBoxSize
	bottom := top + DefaultBoxSize
	if len(vals) > 2 {
		right = math.Round(vals[2])
	}
	if len(vals) > 3 {
		bottom = math.Round(vals[3])
	}
	return types.Rect{Left: left, Top: top, Right: right, Bottom: bottom}, nil
}

// decodeAxisSwapped transposes (row, column) pairs to (x, y) before the
// usual 0-1000 scaling.
func decodeAxisSwapped(vals []float64, w, h float64) (types.Rect, error) {
	if len(vals) < 4 {
		return pointBox(math.Round(vals[1]*w/1000), math.Round(vals[0]*h/1000), w, h), nil
	}
	return types.Rect{
		Left:   math.Round(vals[1] * w / 1000),
		Top:    math.Round(vals[0] * h / 1000),
		Right:  math.Round(vals[3] * w / 1000),
		Bottom: math.Round(vals[2] * h / 1000),
	}, nil
}

// pointBox expands a pixel-space center point into a DefaultBoxSize-side
// square clipped at the viewport edges.
func pointBox(cx, cy, w, h float64) types.Rect {
	half := float64(DefaultBoxSize / 2)
	return types.Rect{
		Left:   math.Max(0, cx-half),
		Top:    math.Max(0, cy-half),
		Right:  math.Min(w, cx+half),
		Bottom: math.Min(h, cy+half),
	}
}

func clamp(r types.Rect, w, h float64) types.Rect {
	return types.Rect{
		Left:   math.Max(0, r.Left),
		Top:    math.Max(0, r.Top),
		Right:  math.Min(w, r.Right),
		Bottom: math.Min(h, r.Bottom),
	}
}
