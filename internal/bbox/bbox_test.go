package bbox

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"pinpoint/internal/types"
)

func TestDecode_NormalizedStandardBox(t *testing.T) {
	rect, err := Decode([]float64{100, 200, 500, 800}, types.FamilyNormalized, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 100, Top: 200, Right: 500, Bottom: 800}, rect)

	rect, err = Decode([]float64{100, 200, 500, 800}, types.FamilyNormalized, 500, 2000)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 50, Top: 400, Right: 250, Bottom: 1600}, rect)
}

// Scenario from the paired tooling: prompt "search box", model returns the
// point (350,80) normalized 0-1000, viewport 700x800.
func TestDecode_PointExpandsToDefaultBox(t *testing.T) {
	rect, err := Decode([]float64{350, 80}, "doubao-vision", 700, 800)
	require.NoError(t, err)

	center := rect.Center()
	assert.Equal(t, 245.0, center.X)
	assert.Equal(t, 64.0, center.Y)
	assert.Equal(t, float64(DefaultBoxSize), rect.Width())
	assert.Equal(t, float64(DefaultBoxSize), rect.Height())
	assert.True(t, rect.InViewport(types.Size{Width: 700, Height: 800}))
}

func TestDecode_PointClippedAtViewportEdge(t *testing.T) {
	// Point at the top-left corner: square is clipped, still non-empty.
	rect, err := Decode([]float64{0, 0}, types.FamilyNormalized, 800, 600)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 0, Top: 0, Right: 10, Bottom: 10}, rect)

	// Point at the far corner clips the other way.
	rect, err = Decode([]float64{1000, 1000}, types.FamilyNormalized, 800, 600)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 790, Top: 590, Right: 800, Bottom: 600}, rect)
}

func TestDecode_PolygonCornerSelection(t *testing.T) {
	// 8-value polygon keeps indices 0,1,4,5 — the legacy reduction rule.
	vals := []float64{100, 150, 900, 150, 900, 650, 100, 650}
	rect, err := Decode(vals, types.FamilyNormalized, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 100, Top: 150, Right: 900, Bottom: 650}, rect)

	// 6-value polygon uses the same indices.
	rect, err = Decode([]float64{100, 150, 0, 0, 900, 650}, types.FamilyNormalized, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 100, Top: 150, Right: 900, Bottom: 650}, rect)
}

func TestDecode_PixelIdentityWhenInBounds(t *testing.T) {
	rect, err := Decode([]float64{15, 30, 120, 90}, types.FamilyPixel, 1280, 800)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 15, Top: 30, Right: 120, Bottom: 90}, rect)
}

func TestDecode_PixelPointExtends(t *testing.T) {
	rect, err := Decode([]float64{40, 60}, "qwen2.5-vl", 1280, 800)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 40, Top: 60, Right: 60, Bottom: 80}, rect)
}

func TestDecode_PixelClamped(t *testing.T) {
	rect, err := Decode([]float64{-10, -20, 1500, 900}, types.FamilyPixel, 1280, 800)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 0, Top: 0, Right: 1280, Bottom: 800}, rect)
}

func TestDecode_AxisSwapped(t *testing.T) {
	// gemini order is [y1, x1, y2, x2].
	rect, err := Decode([]float64{200, 100, 800, 500}, "gemini", 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 100, Top: 200, Right: 500, Bottom: 800}, rect)
}

func TestDecode_CollapsedBoxFails(t *testing.T) {
	// right <= left after scaling is a failure, not a degenerate box.
	_, err := Decode([]float64{500, 100, 400, 300}, types.FamilyNormalized, 1000, 1000)
	var de *DecodeError
	require.True(t, errors.As(err, &de), "want DecodeError, got %v", err)

	// A box entirely past the right edge collapses during clamping.
	_, err = Decode([]float64{1500, 100, 1600, 300}, types.FamilyPixel, 1280, 800)
	require.True(t, errors.As(err, &de), "want DecodeError, got %v", err)
}

func TestDecode_RejectsBadInputs(t *testing.T) {
	var de *DecodeError

	_, err := Decode([]float64{1}, types.FamilyNormalized, 100, 100)
	assert.True(t, errors.As(err, &de), "single value")

	_, err = Decode([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, types.FamilyNormalized, 100, 100)
	assert.True(t, errors.As(err, &de), "nine values")

	_, err = Decode([]float64{1, 2, 3, 4}, types.FamilyNormalized, 0, 100)
	assert.True(t, errors.As(err, &de), "zero-width viewport")
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		want    []float64
		wantErr bool
	}{
		{"space separated", "940 445 969 490", []float64{940, 445, 969, 490}, false},
		{"comma separated", "940,445,969,490", []float64{940, 445, 969, 490}, false},
		{"string pairs", []any{"123,222", "789 100"}, []float64{123, 222, 789, 100}, false},
		{"number list", []any{1.0, 2.0, 3.0, 4.0}, []float64{1, 2, 3, 4}, false},
		{"nested list", []any{[]any{5.0, 6.0, 7.0, 8.0}}, []float64{5, 6, 7, 8}, false},
		{"non-numeric token", "12 oops 34", nil, true},
		{"nil payload", nil, nil, true},
		{"empty string", "   ", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Tokenize(tt.raw)
			if tt.wantErr {
				var de *DecodeError
				require.True(t, errors.As(err, &de), "want DecodeError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeField_StringPayload(t *testing.T) {
	rect, err := DecodeField("100 200 500 800", types.FamilyNormalized, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 100, Top: 200, Right: 500, Bottom: 800}, rect)
}

// Property: for pixel-family 4-value inputs already in bounds, decoding is
// the identity.
func TestProperty_PixelInBoundsIdentity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := float64(rapid.IntRange(200, 4000).Draw(rt, "w"))
		h := float64(rapid.IntRange(200, 4000).Draw(rt, "h"))
		left := float64(rapid.IntRange(0, int(w)-2).Draw(rt, "left"))
		top := float64(rapid.IntRange(0, int(h)-2).Draw(rt, "top"))
		right := float64(rapid.IntRange(int(left)+1, int(w)).Draw(rt, "right"))
		bottom := float64(rapid.IntRange(int(top)+1, int(h)).Draw(rt, "bottom"))

		rect, err := Decode([]float64{left, top, right, bottom}, types.FamilyPixel, w, h)
		require.NoError(rt, err)
		assert.Equal(rt, types.Rect{Left: left, Top: top, Right: right, Bottom: bottom}, rect)
	})
}

// Property: normalized decode then rescale by 1000/dimension recovers the
// original within rounding tolerance.
func TestProperty_NormalizedRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := float64(rapid.IntRange(500, 4000).Draw(rt, "w"))
		h := float64(rapid.IntRange(500, 4000).Draw(rt, "h"))
		x1 := float64(rapid.IntRange(0, 498).Draw(rt, "x1"))
		y1 := float64(rapid.IntRange(0, 498).Draw(rt, "y1"))
		x2 := float64(rapid.IntRange(int(x1)+2, 1000).Draw(rt, "x2"))
		y2 := float64(rapid.IntRange(int(y1)+2, 1000).Draw(rt, "y2"))

		rect, err := Decode([]float64{x1, y1, x2, y2}, types.FamilyNormalized, w, h)
		require.NoError(rt, err)

		// Half a pixel of rounding, expressed in 0-1000 units.
		tolX := 1000/w/2 + 1e-9
		tolY := 1000/h/2 + 1e-9
		assert.InDelta(rt, x1, rect.Left*1000/w, tolX)
		assert.InDelta(rt, y1, rect.Top*1000/h, tolY)
		assert.InDelta(rt, x2, rect.Right*1000/w, tolX)
		assert.InDelta(rt, y2, rect.Bottom*1000/h, tolY)
	})
}

// Property: every successful decode is clamped in-bounds and its center
// lies within the box.
func TestProperty_DecodedBoxAlwaysInBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := float64(rapid.IntRange(100, 3000).Draw(rt, "w"))
		h := float64(rapid.IntRange(100, 3000).Draw(rt, "h"))
		n := rapid.IntRange(2, 8).Draw(rt, "n")
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = rapid.Float64Range(-200, 1400).Draw(rt, "v")
		}
		family := rapid.SampledFrom([]types.ModelFamily{
			types.FamilyNormalized, types.FamilyPixel, types.FamilyAxisSwapped,
		}).Draw(rt, "family")

		rect, err := Decode(vals, family, w, h)
		if err != nil {
			var de *DecodeError
			require.True(rt, errors.As(err, &de))
			return
		}
		require.True(rt, rect.InViewport(types.Size{Width: w, Height: h}),
			"decoded box %+v escapes viewport %gx%g", rect, w, h)
		require.False(rt, rect.Empty())
		require.True(rt, rect.Contains(rect.Center()))
	})
}

func TestPointBoxCenteredAwayFromEdges(t *testing.T) {
	rect := pointBox(300, 400, 1000, 1000)
	assert.Equal(t, types.Point{X: 300, Y: 400}, rect.Center())
	assert.Equal(t, math.Round(rect.Width()), float64(DefaultBoxSize))
}
