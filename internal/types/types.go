// Package types holds the shared geometry, result, and collaborator types
// used across the locate resolution engine.
package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Point is a position in viewport pixel space.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Size is a viewport size in logical pixels.
type Size struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Rect is an axis-aligned rectangle in viewport pixel space.
// A decoded Rect is always clamped to [0,width]x[0,height].
type Rect struct {
	Left   float64 `json:"left" yaml:"left"`
	Top    float64 `json:"top" yaml:"top"`
	Right  float64 `json:"right" yaml:"right"`
	Bottom float64 `json:"bottom" yaml:"bottom"`
}

// Width returns the horizontal extent of the rectangle.
func (r Rect) Width() float64 { return r.Right - r.Left }

// Height returns the vertical extent of the rectangle.
func (r Rect) Height() float64 { return r.Bottom - r.Top }

// Center returns the midpoint of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.Left + r.Width()/2, Y: r.Top + r.Height()/2}
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.Right <= r.Left || r.Bottom <= r.Top }

// Contains reports whether p lies inside the rectangle (inclusive).
func (r Rect) Contains(p Point) bool {
	return p.X >= r.Left && p.X <= r.Right && p.Y >= r.Top && p.Y <= r.Bottom
}

// InViewport reports whether the rectangle lies fully within a viewport of
// the given size.
func (r Rect) InViewport(s Size) bool {
	return r.Left >= 0 && r.Top >= 0 && r.Right <= s.Width && r.Bottom <= s.Height
}

// ModelFamily selects which decode and repair rules apply to a vision
// model's output conventions.
type ModelFamily string

const (
	// FamilyNormalized covers models that emit coordinates normalized to
	// 0-1000 in (x, y) order: doubao-vision, the UI-TARS line, qwen3-vl,
	// glm-v. This is the default family.
	FamilyNormalized ModelFamily = "normalized-0-1000"
	// FamilyPixel covers models that emit absolute pixel coordinates
	// (qwen2.5-vl).
	FamilyPixel ModelFamily = "pixel"
	// FamilyAxisSwapped covers models that emit 0-1000 normalized
	// coordinates in (row, column) order (gemini).
	FamilyAxisSwapped ModelFamily = "axis-swapped"
)

// Vendor tags carried over from the paired JS/Python tooling so cache files
// and configs written against those stay usable.
var familyAliases = map[string]ModelFamily{
	"normalized-0-1000":      FamilyNormalized,
	"doubao-vision":          FamilyNormalized,
	"vlm-ui-tars":            FamilyNormalized,
	"vlm-ui-tars-doubao":     FamilyNormalized,
	"vlm-ui-tars-doubao-1.5": FamilyNormalized,
	"qwen3-vl":               FamilyNormalized,
	"glm-v":                  FamilyNormalized,
	"auto-glm":               FamilyNormalized,
	"pixel":                  FamilyPixel,
	"qwen2.5-vl":             FamilyPixel,
	"axis-swapped":           FamilyAxisSwapped,
	"gemini":                 FamilyAxisSwapped,
}

// CanonicalFamily maps a model family tag (canonical or vendor alias) to
// one of the three decode families. Unknown or empty tags fall back to the
// normalized 0-1000 family.
func CanonicalFamily(tag string) ModelFamily {
	if fam, ok := familyAliases[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return fam
	}
	return FamilyNormalized
}

// KnownFamily reports whether tag names a recognized family or alias.
func KnownFamily(tag string) bool {
	_, ok := familyAliases[strings.ToLower(strings.TrimSpace(tag))]
	return ok
}

// InteractionType tags what kind of interaction a locate serves. It is part
// of the cache key so the same prompt can cache differently per use.
type InteractionType string

const (
	InteractionLocate InteractionType = "locate"
	InteractionClick  InteractionType = "click"
	InteractionInput  InteractionType = "input"
	InteractionQuery  InteractionType = "query"
	InteractionAssert InteractionType = "assert"
)

// CacheStrategy governs whether lookups and/or writes are honored for a
// session.
type CacheStrategy string

const (
	StrategyReadWrite CacheStrategy = "read-write"
	StrategyReadOnly  CacheStrategy = "read-only"
	StrategyWriteOnly CacheStrategy = "write-only"
)

// Valid reports whether s is one of the three supported strategies.
func (s CacheStrategy) Valid() bool {
	switch s {
	case StrategyReadWrite, StrategyReadOnly, StrategyWriteOnly:
		return true
	}
	return false
}

// Usage carries the token and latency metadata of one model invocation.
type Usage struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Latency          time.Duration `json:"latency"`
}

// RawModelResponse is the unparsed model output plus usage metadata. It is
// owned transiently for one resolution and never persisted.
type RawModelResponse struct {
	Text  string
	Usage Usage
}

// LocatedElement is the unit returned to callers: a clamped rectangle, its
// center, the original description, and optionally a resolver path (an
// XPath re-evaluable against the live page on later runs).
type LocatedElement struct {
	Description string
	Rect        Rect
	Center      Point
	Path        string
}

// Page is the page/driver collaborator consumed by the resolver. A path is
// a DOM-addressing string (XPath) re-resolved fresh on every call, never a
// cached pointer to a live element.
type Page interface {
	// Screenshot captures the current viewport as an encoded image.
	Screenshot(ctx context.Context) ([]byte, error)
	// ViewportSize returns the viewport size in logical pixels.
	ViewportSize(ctx context.Context) (Size, error)
	// ResolvePath re-evaluates a resolver path against the live page. The
	// bool is false when the path matches nothing.
	ResolvePath(ctx context.Context, path string) (Rect, bool, error)
	// DerivePath returns a resolver path for the element at p, or "" when
	// none can be derived.
	DerivePath(ctx context.Context, p Point) (string, error)
	// ScrollBy scrolls the viewport by the given deltas.
	ScrollBy(ctx context.Context, dx, dy float64) error
}

// ModelChannel is the vision model collaborator consumed by the resolver.
type ModelChannel interface {
	Invoke(ctx context.Context, screenshot []byte, prompt string, family ModelFamily) (RawModelResponse, error)
}

// TransportError marks a collaborator (page or model channel) as
// unreachable or timed out. It signals an environment problem rather than
// a bad payload, so the resolver surfaces it instead of scroll-retrying.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
