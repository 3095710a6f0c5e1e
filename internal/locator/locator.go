// Package locator turns a natural-language element description into
// on-screen coordinates. A resolution runs through a fixed sequence:
// cache lookup, cache validation against the live page, model invocation,
// response decode, viewport validation, then scroll retries until the
// attempt bound is reached.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pinpoint/internal/bbox"
	"pinpoint/internal/cache"
	"pinpoint/internal/repair"
	"pinpoint/internal/types"
	"pinpoint/internal/usage"
)

// bboxField is the canonical response field carrying coordinates.
const bboxField = "bbox"

const (
	// DefaultMaxScrollAttempts bounds how many screenshots one prompt may
	// cost, counting the initial one.
	DefaultMaxScrollAttempts = 3
	// DefaultScrollStep is the pixel distance scrolled between attempts.
	DefaultScrollStep = 500.0
)

// Config sets the per-resolver behavior.
type Config struct {
	Family            types.ModelFamily
	MaxScrollAttempts int
	ScrollStep        float64
}

func (c *Config) applyDefaults() {
	if c.MaxScrollAttempts <= 0 {
		c.MaxScrollAttempts = DefaultMaxScrollAttempts
	}
	if c.ScrollStep <= 0 {
		c.ScrollStep = DefaultScrollStep
	}
	if c.Family == "" {
		c.Family = types.FamilyNormalized
	}
}

// Request describes one element to resolve.
type Request struct {
	Prompt             string
	Interaction        types.InteractionType
	DisableCache       bool
	DisableScrollRetry bool
}

// Resolution is the outcome of a resolve. NotFound set with a nil Element
// is the normal exhausted result, distinct from errors.
type Resolution struct {
	Element    *types.LocatedElement
	NotFound   bool
	CacheHit   bool
	Attempts   int
	Diagnostic string
}

// Resolver drives resolutions against one page and one model channel.
type Resolver struct {
	page    types.Page
	model   types.ModelChannel
	cfg     Config
	store   *cache.Store
	tracker *usage.Tracker
	log     *zap.Logger
}

// Option configures optional resolver collaborators.
type Option func(*Resolver)

// WithCache attaches a persistent cache store.
func WithCache(s *cache.Store) Option {
	return func(r *Resolver) { r.store = s }
}

// WithUsage attaches a usage tracker.
func WithUsage(t *usage.Tracker) Option {
	return func(r *Resolver) { r.tracker = t }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// New builds a resolver over page and model.
func New(page types.Page, model types.ModelChannel, cfg Config, opts ...Option) *Resolver {
	cfg.applyDefaults()
	r := &Resolver{
		page:  page,
		model: model,
		cfg:   cfg,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve locates the element req describes. Transport failures surface as
// errors after one retry; a model that cannot find the element yields
// NotFound, never an error.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	if req.Prompt == "" {
		return Resolution{}, errors.New("empty prompt")
	}
	interaction := req.Interaction
	if interaction == "" {
		interaction = types.InteractionLocate
	}

	callID := uuid.NewString()
	log := r.log.With(
		zap.String("call_id", callID),
		zap.String("prompt", req.Prompt),
		zap.String("family", string(r.cfg.Family)),
	)

	key := cache.Key{Type: interaction, Prompt: req.Prompt}

	// Cache applies to the first attempt only. Scroll retries exist
	// because the cached or first answer was wrong for the current page,
	// so replaying the cache there would loop.
	if r.store != nil && !req.DisableCache {
		if res, ok, err := r.fromCache(ctx, key, req.Prompt, log); err != nil {
			return Resolution{}, err
		} else if ok {
			return res, nil
		}
	}

	maxAttempts := r.cfg.MaxScrollAttempts
	if req.DisableScrollRetry {
		maxAttempts = 1
	}

	lastDiag := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := r.withRetry(ctx, "scroll", func() error {
				return r.page.ScrollBy(ctx, 0, r.cfg.ScrollStep)
			}); err != nil {
				return Resolution{}, err
			}
		}

		elem, diag, err := r.attemptModel(ctx, interaction, req.Prompt, log.With(zap.Int("attempt", attempt)))
		if err != nil {
			return Resolution{}, err
		}
		if elem != nil {
			r.storeResult(ctx, key, elem, log)
			return Resolution{Element: elem, Attempts: attempt}, nil
		}
		lastDiag = diag
		log.Debug("attempt exhausted", zap.Int("attempt", attempt), zap.String("diagnostic", diag))
	}

	log.Info("element not found", zap.Int("attempts", maxAttempts), zap.String("diagnostic", lastDiag))
	return Resolution{NotFound: true, Attempts: maxAttempts, Diagnostic: lastDiag}, nil
}

// fromCache validates a cached record against the live page. Paths are
// tried in stored order; the first that resolves to a visible element
// wins and is promoted to the front of the record.
func (r *Resolver) fromCache(ctx context.Context, key cache.Key, prompt string, log *zap.Logger) (Resolution, bool, error) {
	entry, ok := r.store.Get(key)
	if !ok {
		return Resolution{}, false, nil
	}

	viewport, err := r.viewport(ctx)
	if err != nil {
		return Resolution{}, false, err
	}

	for i, path := range entry.XPaths {
		rect, found, err := r.page.ResolvePath(ctx, path)
		if err != nil {
			log.Debug("cached path errored", zap.String("path", path), zap.Error(err))
			continue
		}
		if !found || rect.Empty() || !rect.InViewport(viewport) {
			continue
		}
		r.store.MarkMatched(key)
		if i > 0 {
			promoted := append([]string{path}, append(append([]string{}, entry.XPaths[:i]...), entry.XPaths[i+1:]...)...)
			r.store.Put(key, cache.Entry{XPaths: promoted})
			if err := r.store.Flush(); err != nil {
				log.Warn("cache flush failed", zap.Error(err))
			}
		}
		log.Debug("cache hit", zap.String("path", path))
		elem := &types.LocatedElement{
			Description: prompt,
			Rect:        rect,
			Center:      rect.Center(),
			Path:        path,
		}
		return Resolution{Element: elem, CacheHit: true, Attempts: 0}, true, nil
	}

	if len(entry.Box) > 0 {
		rect, err := bbox.Decode(entry.Box, types.FamilyPixel, viewport.Width, viewport.Height)
		if err == nil && rect.InViewport(viewport) {
			r.store.MarkMatched(key)
			log.Debug("cache hit on stored box")
			elem := &types.LocatedElement{
				Description: prompt,
				Rect:        rect,
				Center:      rect.Center(),
			}
			return Resolution{Element: elem, CacheHit: true, Attempts: 0}, true, nil
		}
	}

	log.Debug("cached record stale, falling through to model")
	return Resolution{}, false, nil
}

// attemptModel runs one screenshot-invoke-decode cycle. A nil element with
// a diagnostic means this attempt found nothing; an error is fatal to the
// whole resolution.
func (r *Resolver) attemptModel(ctx context.Context, interaction types.InteractionType, prompt string, log *zap.Logger) (*types.LocatedElement, string, error) {
	var shot []byte
	if err := r.withRetry(ctx, "screenshot", func() error {
		var err error
		shot, err = r.page.Screenshot(ctx)
		return err
	}); err != nil {
		return nil, "", err
	}

	viewport, err := r.viewport(ctx)
	if err != nil {
		return nil, "", err
	}

	var resp types.RawModelResponse
	start := time.Now()
	invokeErr := r.withRetry(ctx, "model invoke", func() error {
		var err error
		resp, err = r.model.Invoke(ctx, shot, prompt, r.cfg.Family)
		return err
	})
	if resp.Usage.Latency == 0 {
		resp.Usage.Latency = time.Since(start)
	}
	if invokeErr != nil {
		r.track(interaction, resp.Usage, usage.OutcomeTransportError)
		return nil, "", invokeErr
	}

	obj, err := repair.Extract(resp.Text, bboxField)
	if err != nil {
		r.track(interaction, resp.Usage, usage.OutcomeParseError)
		log.Debug("response unparseable", zap.Error(err))
		return nil, err.Error(), nil
	}

	raw, present := obj[bboxField]
	if !present || raw == nil {
		r.track(interaction, resp.Usage, usage.OutcomeNotFound)
		return nil, "model reported no matching element", nil
	}

	rect, err := bbox.DecodeField(raw, r.cfg.Family, viewport.Width, viewport.Height)
	if err != nil {
		r.track(interaction, resp.Usage, usage.OutcomeDecodeError)
		log.Debug("bbox decode failed", zap.Error(err))
		return nil, err.Error(), nil
	}

	r.track(interaction, resp.Usage, usage.OutcomeDecoded)

	elem := &types.LocatedElement{
		Description: prompt,
		Rect:        rect,
		Center:      rect.Center(),
	}
	if path, err := r.page.DerivePath(ctx, elem.Center); err != nil {
		log.Debug("path derivation failed", zap.Error(err))
	} else {
		elem.Path = path
	}

	log.Debug("element located",
		zap.Float64("x", elem.Center.X),
		zap.Float64("y", elem.Center.Y),
		zap.String("path", elem.Path),
	)
	return elem, "", nil
}

// storeResult persists a successful resolution. Failures here never fail
// the resolve; the element was already found.
func (r *Resolver) storeResult(ctx context.Context, key cache.Key, elem *types.LocatedElement, log *zap.Logger) {
	if r.store == nil {
		return
	}
	entry := cache.Entry{}
	if elem.Path != "" {
		entry.XPaths = []string{elem.Path}
	} else {
		entry.Box = []float64{elem.Rect.Left, elem.Rect.Top, elem.Rect.Right, elem.Rect.Bottom}
	}
	r.store.Put(key, entry)
	if err := r.store.Flush(); err != nil {
		log.Warn("cache flush failed", zap.Error(err))
	}
}

func (r *Resolver) viewport(ctx context.Context) (types.Size, error) {
	var viewport types.Size
	err := r.withRetry(ctx, "viewport size", func() error {
		var err error
		viewport, err = r.page.ViewportSize(ctx)
		return err
	})
	if err != nil {
		return types.Size{}, err
	}
	if viewport.Width <= 0 || viewport.Height <= 0 {
		return types.Size{}, &types.TransportError{Op: "viewport size", Err: fmt.Errorf("degenerate viewport %gx%g", viewport.Width, viewport.Height)}
	}
	return viewport, nil
}

// withRetry retries a collaborator call once before surfacing the failure
// as a TransportError. Context cancellation is never retried.
func (r *Resolver) withRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &types.TransportError{Op: op, Err: ctx.Err()}
	}
	r.log.Debug("retrying after failure", zap.String("op", op), zap.Error(err))
	if err = fn(); err == nil {
		return nil
	}
	return &types.TransportError{Op: op, Err: err}
}

func (r *Resolver) track(interaction types.InteractionType, u types.Usage, outcome usage.Outcome) {
	if r.tracker == nil {
		return
	}
	r.tracker.Track(r.cfg.Family, interaction, u, outcome)
}
