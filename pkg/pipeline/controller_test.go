package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/menta2k/privacy-shield/pkg/classifier"
	"github.com/menta2k/privacy-shield/pkg/detection"
	"github.com/menta2k/privacy-shield/pkg/types"
)

const wait = 2 * time.Second

var card = []types.CardBounds{{Rect: types.Rect{Left: 0, Top: 0, Right: 100, Bottom: 60}, Confidence: 0.8}}

type detectFunc func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error)

func (f detectFunc) Detect(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
	return f(ctx, frame)
}

type extractFunc func(ctx context.Context, frame types.Frame, regions []types.CardBounds) ([]types.ExtractedItem, error)

func (f extractFunc) Extract(ctx context.Context, frame types.Frame, regions []types.CardBounds) ([]types.ExtractedItem, error) {
	return f(ctx, frame, regions)
}

type classifyFunc func(items []types.ExtractedItem) []types.DetectionResult

func (f classifyFunc) Classify(items []types.ExtractedItem) []types.DetectionResult {
	return f(items)
}

// textByFrame extracts one item whose text is the frame ID.
func textByFrame(texts map[string]string) extractFunc {
	return func(ctx context.Context, frame types.Frame, regions []types.CardBounds) ([]types.ExtractedItem, error) {
		return []types.ExtractedItem{{Text: []byte(texts[frame.ID]), Bounds: regions[0].Rect}}, nil
	}
}

// newFrame returns a frame with the given ID whose release is counted.
func newFrame(id string, released *atomic.Int32) types.Frame {
	f := types.NewFrame(make([]byte, 4), 1, 1, types.PixelFormatRGBA8888, 0)
	f.ID = id
	f.Release = func() { released.Add(1) }
	return f
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for c.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("controller stayed busy")
		}
		time.Sleep(time.Millisecond)
	}
}

func fieldTypes(results []types.DetectionResult) []types.FieldType {
	out := make([]types.FieldType, len(results))
	for i, r := range results {
		out[i] = r.FieldType
	}
	return out
}

func TestBackpressureDropsWhileBusy(t *testing.T) {
	started := make(chan string, 3)
	unblock := make(chan struct{})
	var calls atomic.Int32
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		calls.Add(1)
		started <- frame.ID
		if frame.ID == "f1" {
			<-unblock
		}
		return card, nil
	})
	texts := map[string]string{"f1": "123456789", "f2": "Jane Doe", "f3": "12/03/1990"}
	published := make(chan []types.DetectionResult, 3)
	c := New(det, textByFrame(texts), classifier.New(), WithOnPublish(func(r []types.DetectionResult) { published <- r }))

	var r1, r2, r3 atomic.Int32
	c.Submit(newFrame("f1", &r1))
	select {
	case <-started:
	case <-time.After(wait):
		t.Fatal("f1 never started")
	}

	c.Submit(newFrame("f2", &r2))
	if r2.Load() != 1 {
		t.Fatal("f2 was not released synchronously on drop")
	}
	if got := c.Stats().Dropped; got != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", got)
	}
	if r1.Load() != 0 {
		t.Error("f1 released while still in flight")
	}

	close(unblock)
	select {
	case res := <-published:
		if got := fieldTypes(res); len(got) != 1 || got[0] != types.IDNumber {
			t.Errorf("Expected f1's ID_NUMBER, got %v", got)
		}
	case <-time.After(wait):
		t.Fatal("f1 never published")
	}
	waitIdle(t, c)
	if r1.Load() != 1 {
		t.Errorf("Expected f1 released once, got %d", r1.Load())
	}

	c.Submit(newFrame("f3", &r3))
	select {
	case res := <-published:
		if got := fieldTypes(res); len(got) != 1 || got[0] != types.DateOfBirth {
			t.Errorf("Expected f3's DATE_OF_BIRTH, got %v", got)
		}
	case <-time.After(wait):
		t.Fatal("f3 never published")
	}
	waitIdle(t, c)

	if calls.Load() != 2 {
		t.Errorf("Expected detector to see f1 and f3 only, got %d calls", calls.Load())
	}
	if got := fieldTypes(c.Latest()); len(got) != 1 || got[0] != types.DateOfBirth {
		t.Errorf("Expected latest from f3, got %v", got)
	}
	st := c.Stats()
	if st.Submitted != 3 || st.Processed != 2 || st.Failed != 0 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestFailurePublishesEmpty(t *testing.T) {
	fail := false
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		if fail {
			return nil, detection.ErrInference
		}
		return card, nil
	})
	c := New(det, textByFrame(map[string]string{"a": "123456789"}), classifier.New())
	var released atomic.Int32

	res, err := c.Analyze(context.Background(), newFrame("a", &released))
	if err != nil || len(res) != 1 {
		t.Fatalf("Expected one result, got %v, %v", res, err)
	}

	fail = true
	res, err = c.Analyze(context.Background(), newFrame("b", &released))
	if !errors.Is(err, detection.ErrInference) {
		t.Errorf("Expected ErrInference, got %v", err)
	}
	if len(res) != 0 || len(c.Latest()) != 0 {
		t.Errorf("Expected stale result cleared, got %v", c.Latest())
	}
	if c.Stats().Failed != 1 {
		t.Errorf("Expected 1 failure, got %d", c.Stats().Failed)
	}
	if released.Load() != 2 {
		t.Errorf("Expected both frames released, got %d", released.Load())
	}
	if st := c.Status(); st.State != StateReady {
		t.Errorf("Inference failure must not change status, got %+v", st)
	}
}

func TestZeroRegionsSkipsExtraction(t *testing.T) {
	regions := card
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		return regions, nil
	})
	var extracted atomic.Int32
	ext := extractFunc(func(ctx context.Context, frame types.Frame, r []types.CardBounds) ([]types.ExtractedItem, error) {
		extracted.Add(1)
		return []types.ExtractedItem{{Text: []byte("Jane Doe"), Bounds: r[0].Rect}}, nil
	})
	c := New(det, ext, classifier.New())
	var released atomic.Int32

	if res, _ := c.Analyze(context.Background(), newFrame("a", &released)); len(res) != 1 {
		t.Fatalf("Expected one result, got %v", res)
	}
	regions = nil
	res, err := c.Analyze(context.Background(), newFrame("b", &released))
	if err != nil || len(res) != 0 {
		t.Errorf("Expected empty result, got %v, %v", res, err)
	}
	if extracted.Load() != 1 {
		t.Errorf("Expected extractor to be skipped, got %d calls", extracted.Load())
	}
	if c.Latest() == nil || len(c.Latest()) != 0 {
		t.Errorf("Expected empty non-nil latest, got %v", c.Latest())
	}
}

func TestPanicIsRecovered(t *testing.T) {
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		return card, nil
	})
	cls := classifyFunc(func(items []types.ExtractedItem) []types.DetectionResult {
		panic("bad rule")
	})
	c := New(det, textByFrame(nil), cls)
	var released atomic.Int32

	_, err := c.Analyze(context.Background(), newFrame("a", &released))
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("Expected ErrPanic, got %v", err)
	}
	if c.Busy() {
		t.Fatal("token not released after panic")
	}

	c.Submit(newFrame("b", &released))
	waitIdle(t, c)
	if c.Stats().Dropped != 0 {
		t.Error("Expected frame after panic to be accepted")
	}
	if c.Stats().Failed != 2 {
		t.Errorf("Expected 2 failures, got %d", c.Stats().Failed)
	}
}

func TestPublishCallbackPanicIsContained(t *testing.T) {
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		return nil, nil
	})
	var calls atomic.Int32
	c := New(det, textByFrame(nil), classifier.New(), WithOnPublish(func([]types.DetectionResult) {
		if calls.Add(1) == 1 {
			panic("subscriber bug")
		}
	}))
	var released atomic.Int32

	if _, err := c.Analyze(context.Background(), newFrame("a", &released)); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if c.Busy() {
		t.Fatal("token not released after callback panic")
	}

	c.Submit(newFrame("b", &released))
	waitIdle(t, c)
	if calls.Load() != 2 {
		t.Errorf("Expected callback to run for both frames, got %d", calls.Load())
	}
	if c.Latest() == nil {
		t.Error("Expected latest results after callback panic")
	}
	if c.Stats().Processed != 2 {
		t.Errorf("Expected 2 processed frames, got %d", c.Stats().Processed)
	}
}

func TestTextWipedAfterClassification(t *testing.T) {
	buf := []byte("123456789")
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		return card, nil
	})
	ext := extractFunc(func(ctx context.Context, frame types.Frame, r []types.CardBounds) ([]types.ExtractedItem, error) {
		return []types.ExtractedItem{{Text: buf, Bounds: r[0].Rect}}, nil
	})
	c := New(det, ext, classifier.New())
	var released atomic.Int32

	res, err := c.Analyze(context.Background(), newFrame("a", &released))
	if err != nil || len(res) != 1 || res[0].FieldType != types.IDNumber {
		t.Fatalf("Unexpected result %v, %v", res, err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("text byte %d survived the pass", i)
		}
	}
}

func TestModelLoadStatus(t *testing.T) {
	loadErr := &detection.ModelLoadError{Err: errors.New("model file missing")}
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		return nil, loadErr
	})
	c := New(det, textByFrame(nil), classifier.New())
	if st := c.Status(); st.State != StateStarting || st.Session == "" {
		t.Errorf("Unexpected initial status %+v", st)
	}

	var released atomic.Int32
	_, err := c.Analyze(context.Background(), newFrame("a", &released))
	if !errors.Is(err, detection.ErrModelLoad) {
		t.Fatalf("Expected ErrModelLoad, got %v", err)
	}
	st := c.Status()
	if st.State != StateUnavailable || st.Error == "" {
		t.Errorf("Expected unavailable status with message, got %+v", st)
	}
}

func TestLatestReturnsCopy(t *testing.T) {
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		return card, nil
	})
	c := New(det, textByFrame(map[string]string{"a": "Jane Doe"}), classifier.New())
	var released atomic.Int32
	c.Analyze(context.Background(), newFrame("a", &released))

	got := c.Latest()
	got[0].FieldType = types.Address
	if c.Latest()[0].FieldType != types.FullName {
		t.Error("Latest exposed the published slice")
	}
}

func TestConcurrentReaders(t *testing.T) {
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		return card, nil
	})
	c := New(det, textByFrame(map[string]string{}), classifier.New())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = c.Latest()
				}
			}
		}()
	}
	var released atomic.Int32
	for i := 0; i < 50; i++ {
		c.Submit(newFrame("x", &released))
	}
	close(stop)
	wg.Wait()
	c.Close()

	if got := released.Load(); got != 50 {
		t.Errorf("Expected every frame released once, got %d", got)
	}
	st := c.Stats()
	if st.Processed+st.Dropped != 50 {
		t.Errorf("Expected processed+dropped = 50, got %+v", st)
	}
}

func TestCloseWaitsAndRejects(t *testing.T) {
	unblock := make(chan struct{})
	started := make(chan struct{})
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		close(started)
		<-unblock
		return nil, nil
	})
	c := New(det, textByFrame(nil), classifier.New())
	var released atomic.Int32
	c.Submit(newFrame("a", &released))
	<-started

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a pass was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(unblock)
	select {
	case <-closed:
	case <-time.After(wait):
		t.Fatal("Close never returned")
	}

	c.Submit(newFrame("b", &released))
	if released.Load() != 2 {
		t.Errorf("Expected both frames released, got %d", released.Load())
	}
	if _, err := c.Analyze(context.Background(), newFrame("c", &released)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestAnalyzeHonorsContextWhileBusy(t *testing.T) {
	unblock := make(chan struct{})
	started := make(chan struct{}, 1)
	det := detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		started <- struct{}{}
		<-unblock
		return nil, nil
	})
	c := New(det, textByFrame(nil), classifier.New())
	var released atomic.Int32
	c.Submit(newFrame("a", &released))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Analyze(ctx, newFrame("b", &released)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	close(unblock)
	waitIdle(t, c)
}

func TestWarmupWithoutLoader(t *testing.T) {
	c := New(detectFunc(func(ctx context.Context, frame types.Frame) ([]types.CardBounds, error) {
		return nil, nil
	}), textByFrame(nil), classifier.New())
	if err := c.Warmup(context.Background()); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

func TestWarmupReportsLoadFailure(t *testing.T) {
	det := detection.New(&failingBackend{})
	c := New(det, textByFrame(nil), classifier.New())
	if err := c.Warmup(context.Background()); !errors.Is(err, detection.ErrModelLoad) {
		t.Fatalf("Expected ErrModelLoad, got %v", err)
	}
	if c.Status().State != StateUnavailable {
		t.Errorf("Expected unavailable, got %+v", c.Status())
	}
}

type failingBackend struct{}

func (failingBackend) Load(ctx context.Context) error { return errors.New("no such model") }
func (failingBackend) InputSize() int                 { return 320 }
func (failingBackend) Infer(ctx context.Context, input []float32) (detection.Output, error) {
	return detection.Output{}, nil
}
func (failingBackend) Close() error { return nil }
