// Package pipeline runs frames through detection, extraction and
// classification one at a time and publishes the latest result.
//
// A Controller accepts frames faster than it can process them. While a pass
// is in flight every new frame is dropped on arrival and handed straight
// back to its source; nothing is queued. Readers see the result of the most
// recently completed pass, replaced whole.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/privacy-shield/pkg/detection"
	"github.com/menta2k/privacy-shield/pkg/extraction"
	"github.com/menta2k/privacy-shield/pkg/types"
)

// ErrClosed is returned by Analyze after Close.
var ErrClosed = errors.New("pipeline closed")

// ErrPanic wraps a panic recovered from a pipeline stage.
var ErrPanic = errors.New("pipeline stage panicked")

// Detector finds document regions in a frame.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.CardBounds, error)
}

// Extractor recognizes text and codes in a frame.
type Extractor interface {
	Extract(ctx context.Context, frame types.Frame, regions []types.CardBounds) ([]types.ExtractedItem, error)
}

// Classifier turns extracted items into sensitive field results.
type Classifier interface {
	Classify(items []types.ExtractedItem) []types.DetectionResult
}

type loader interface {
	Load(ctx context.Context) error
}

// State is the detection capability as seen by a user.
type State string

const (
	StateStarting    State = "starting"
	StateReady       State = "ready"
	StateUnavailable State = "unavailable"
)

// Status describes whether detection works.
type Status struct {
	Session string `json:"session"`
	State   State  `json:"state"`
	Busy    bool   `json:"busy"`
	Error   string `json:"error,omitempty"`
}

// Stats are counters since the controller was created.
type Stats struct {
	Submitted   uint64        `json:"submitted"`
	Dropped     uint64        `json:"dropped"`
	Processed   uint64        `json:"processed"`
	Failed      uint64        `json:"failed"`
	LastLatency time.Duration `json:"last_latency_ns"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout bounds each pass. Zero means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithOnPublish registers a callback run with a copy of every published
// result, on the worker goroutine.
func WithOnPublish(fn func([]types.DetectionResult)) Option {
	return func(c *Controller) { c.onPublish = fn }
}

// Controller is a single-flight frame scheduler.
type Controller struct {
	session    string
	detector   Detector
	extractor  Extractor
	classifier Classifier
	logger     *slog.Logger
	timeout    time.Duration
	onPublish  func([]types.DetectionResult)

	// token holds one value while a pass is in flight
	token     chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	latest atomic.Pointer[[]types.DetectionResult]

	submitted   atomic.Uint64
	dropped     atomic.Uint64
	processed   atomic.Uint64
	failed      atomic.Uint64
	lastLatency atomic.Int64

	statusMu sync.Mutex
	state    State
	stateErr string
}

// New creates a controller. The detector must not be shared with another
// controller.
func New(detector Detector, extractor Extractor, classifier Classifier, opts ...Option) *Controller {
	c := &Controller{
		session:    uuid.NewString(),
		detector:   detector,
		extractor:  extractor,
		classifier: classifier,
		logger:     slog.Default(),
		token:      make(chan struct{}, 1),
		state:      StateStarting,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("session", c.session)
	empty := []types.DetectionResult{}
	c.latest.Store(&empty)
	return c
}

// Warmup loads the detection backend ahead of the first frame when the
// detector supports it.
func (c *Controller) Warmup(ctx context.Context) error {
	l, ok := c.detector.(loader)
	if !ok {
		return nil
	}
	if c.closed.Load() {
		return ErrClosed
	}
	// The detector is single-threaded; load it under the token.
	select {
	case c.token <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer c.release()

	err := l.Load(ctx)
	c.observe(err)
	return err
}

// Submit hands a frame to the pipeline and returns immediately. If a pass is
// already running the frame is dropped and released before Submit returns.
func (c *Controller) Submit(frame types.Frame) {
	c.submitted.Add(1)
	if c.closed.Load() || !c.tryAcquire() {
		c.drop(frame)
		return
	}

	go func() {
		defer c.release()
		defer frame.Close()
		c.run(context.Background(), frame)
	}()
}

// Analyze processes a frame synchronously, waiting for the worker to become
// free. It publishes like Submit and also returns the pass error.
func (c *Controller) Analyze(ctx context.Context, frame types.Frame) ([]types.DetectionResult, error) {
	c.submitted.Add(1)
	if c.closed.Load() {
		c.drop(frame)
		return nil, ErrClosed
	}
	select {
	case c.token <- struct{}{}:
	case <-ctx.Done():
		c.drop(frame)
		return nil, ctx.Err()
	}
	defer c.release()
	defer frame.Close()

	results, err := c.run(ctx, frame)
	return clone(results), err
}

// Latest returns a copy of the last published result. It never blocks.
func (c *Controller) Latest() []types.DetectionResult {
	return clone(*c.latest.Load())
}

// Busy reports whether a pass is in flight.
func (c *Controller) Busy() bool {
	return len(c.token) > 0
}

// Status reports the detection capability. Only backend load failures make
// it unavailable; per-frame failures do not.
func (c *Controller) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return Status{Session: c.session, State: c.state, Busy: c.Busy(), Error: c.stateErr}
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Submitted:   c.submitted.Load(),
		Dropped:     c.dropped.Load(),
		Processed:   c.processed.Load(),
		Failed:      c.failed.Load(),
		LastLatency: time.Duration(c.lastLatency.Load()),
	}
}

// Close stops accepting frames and waits for the in-flight pass to finish.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		// Taking the token waits out the running pass and keeps it taken.
		c.token <- struct{}{}
		c.logger.Debug("pipeline closed", "stats", c.Stats())
	})
}

func (c *Controller) tryAcquire() bool {
	select {
	case c.token <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Controller) release() {
	<-c.token
}

func (c *Controller) drop(frame types.Frame) {
	frame.Close()
	c.dropped.Add(1)
	c.logger.Debug("frame dropped", "frame", frame.ID)
}

// run executes one pass and publishes its outcome. Failures publish an
// empty result.
func (c *Controller) run(ctx context.Context, frame types.Frame) ([]types.DetectionResult, error) {
	start := time.Now()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	results, err := c.process(ctx, frame)
	if err != nil {
		c.failed.Add(1)
		c.logger.Warn("frame pass failed", "frame", frame.ID, "error", err)
		results = []types.DetectionResult{}
	}

	c.publish(results)
	c.processed.Add(1)
	elapsed := time.Since(start)
	c.lastLatency.Store(int64(elapsed))
	c.logger.Debug("frame processed", "frame", frame.ID, "results", len(results), "elapsed", elapsed)
	return results, err
}

func (c *Controller) process(ctx context.Context, frame types.Frame) (results []types.DetectionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	regions, err := c.detector.Detect(ctx, frame)
	c.observe(err)
	if err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		return []types.DetectionResult{}, nil
	}

	items, err := c.extractor.Extract(ctx, frame, regions)
	if err != nil {
		return nil, err
	}
	defer extraction.Wipe(items)

	return c.classifier.Classify(items), nil
}

func (c *Controller) publish(results []types.DetectionResult) {
	if results == nil {
		results = []types.DetectionResult{}
	}
	c.latest.Store(&results)
	if c.onPublish != nil {
		c.notify(clone(results))
	}
}

// notify runs the publish callback. A panicking callback is logged and
// does not take down the pass.
func (c *Controller) notify(results []types.DetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("publish callback panicked", "panic", r)
		}
	}()
	c.onPublish(results)
}

// observe tracks backend availability from a detector error.
func (c *Controller) observe(err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	switch {
	case err == nil:
		if c.state != StateReady {
			c.logger.Info("detection ready")
		}
		c.state, c.stateErr = StateReady, ""
	case errors.Is(err, detection.ErrModelLoad):
		c.state, c.stateErr = StateUnavailable, err.Error()
	}
}

func clone(results []types.DetectionResult) []types.DetectionResult {
	out := make([]types.DetectionResult, len(results))
	copy(out, results)
	return out
}
