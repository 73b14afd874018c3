package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/segment"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var mono16 = audio.Format{Channels: 1, SampleWidth: 2, FrameRate: 8000}

// stubSynth blocks on per-text gates, sleeps per-text delays, fails texts in
// fail and tracks the peak number of concurrent calls.
type stubSynth struct {
	gates  map[string]chan struct{}
	delays map[string]time.Duration
	fail   map[string]bool

	calls  atomic.Int32
	mu     sync.Mutex
	active int
	peak   int
}

func (s *stubSynth) Synthesize(ctx context.Context, req tts.SynthRequest) ([]byte, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if gate, ok := s.gates[req.Text]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d := s.delays[req.Text]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail[req.Text] {
		return nil, errors.New("synthesis refused")
	}
	return audio.Encode(mono16, audio.EncodingPCM, []byte(req.Text+"!")), nil
}

func (s *stubSynth) peakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func makeUnits(texts ...string) []segment.Unit {
	units := make([]segment.Unit, len(texts))
	for i, t := range texts {
		units[i] = segment.Unit{Index: i, Text: t}
	}
	return units
}

func indices(chunks []audio.Chunk) []int {
	out := make([]int, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Index)
	}
	return out
}

func recv(t *testing.T, ch <-chan audio.Chunk) audio.Chunk {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("stream closed early")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}
	return audio.Chunk{}
}

func TestNewPoolDefaultLimit(t *testing.T) {
	if got := NewPool(0).Limit(); got != DefaultConcurrency {
		t.Fatalf("expected default limit %d, got %d", DefaultConcurrency, got)
	}
	if got := NewPool(-3).Limit(); got != DefaultConcurrency {
		t.Fatalf("expected default limit for negative input, got %d", got)
	}
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	pool := NewPool(1)
	if err := pool.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	pool.Release()

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if err := pool.Acquire(cancelled); err == nil {
		t.Fatal("a done context must not receive a slot")
	}
	if pool.InFlight() != 0 {
		t.Fatalf("expected no slots held, got %d", pool.InFlight())
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	texts := make([]string, 12)
	delays := map[string]time.Duration{}
	for i := range texts {
		texts[i] = string(rune('a' + i))
		delays[texts[i]] = 15 * time.Millisecond
	}
	synth := &stubSynth{delays: delays}
	pool := NewPool(3)
	disp := NewDispatcher(pool, synth, newLogger())

	got, err := Collect(context.Background(), disp.Dispatch(context.Background(), makeUnits(texts...), Params{}))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got.Chunks) != len(texts) {
		t.Fatalf("expected %d chunks, got %d", len(texts), len(got.Chunks))
	}
	if peak := synth.peakConcurrency(); peak > 3 || peak < 1 {
		t.Fatalf("peak concurrency %d outside [1,3]", peak)
	}
	if pool.InFlight() != 0 {
		t.Fatalf("slots leaked: %d", pool.InFlight())
	}
}

func TestDispatchSharedPoolAcrossJobs(t *testing.T) {
	delays := map[string]time.Duration{"x": 10 * time.Millisecond, "y": 10 * time.Millisecond}
	synth := &stubSynth{delays: delays}
	disp := NewDispatcher(NewPool(2), synth, newLogger())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Collect(context.Background(), disp.Dispatch(context.Background(), makeUnits("x", "y", "x", "y"), Params{}))
		}()
	}
	wg.Wait()
	if peak := synth.peakConcurrency(); peak > 2 {
		t.Fatalf("pool shared by jobs exceeded its limit: %d", peak)
	}
}

func TestCollectOrdersByIndex(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	texts := make([]string, 10)
	delays := map[string]time.Duration{}
	for i := range texts {
		texts[i] = string(rune('A' + i))
		delays[texts[i]] = time.Duration(rng.Intn(30)) * time.Millisecond
	}
	disp := NewDispatcher(NewPool(4), &stubSynth{delays: delays}, newLogger())

	got, err := Collect(context.Background(), disp.Dispatch(context.Background(), makeUnits(texts...), Params{}))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if !reflect.DeepEqual(indices(got.Chunks), want) {
		t.Fatalf("got order %v, want %v", indices(got.Chunks), want)
	}
}

func TestFailureIsIsolated(t *testing.T) {
	synth := &stubSynth{fail: map[string]bool{"two": true}}
	disp := NewDispatcher(NewPool(2), synth, newLogger())

	got, err := Collect(context.Background(), disp.Dispatch(context.Background(), makeUnits("one", "two", "three"), Params{}))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !reflect.DeepEqual(indices(got.Chunks), []int{0, 2}) {
		t.Fatalf("unexpected chunks %v", indices(got.Chunks))
	}
	if len(got.Failed) != 1 || got.Failed[0].Index != 1 {
		t.Fatalf("unexpected failures %+v", got.Failed)
	}
	if synth.calls.Load() != 3 {
		t.Fatalf("each unit must be attempted exactly once, got %d calls", synth.calls.Load())
	}
}

func TestDispatchCancelStopsAdmission(t *testing.T) {
	gate := make(chan struct{})
	synth := &stubSynth{gates: map[string]chan struct{}{"a": gate}}
	pool := NewPool(1)
	disp := NewDispatcher(pool, synth, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	outcomes := disp.Dispatch(ctx, makeUnits("a", "b", "c", "d"), Params{})
	deadline := time.Now().Add(2 * time.Second)
	for synth.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first unit never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	var n int
	for range outcomes {
		n++
	}
	if n != 1 {
		t.Fatalf("expected only the in-flight unit to resolve, got %d outcomes", n)
	}
	if calls := synth.calls.Load(); calls != 1 {
		t.Fatalf("queued units must not start after cancellation, got %d calls", calls)
	}
	if pool.InFlight() != 0 {
		t.Fatalf("slots leaked: %d", pool.InFlight())
	}
}

func TestDispatchUnitTimeout(t *testing.T) {
	synth := &stubSynth{delays: map[string]time.Duration{"slow": time.Second}}
	disp := NewDispatcher(NewPool(2), synth, newLogger(), WithUnitTimeout(20*time.Millisecond))

	got, err := Collect(context.Background(), disp.Dispatch(context.Background(), makeUnits("slow", "fast"), Params{}))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got.Failed) != 1 || !errors.Is(got.Failed[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected the slow unit to time out, got %+v", got.Failed)
	}
	if !reflect.DeepEqual(indices(got.Chunks), []int{1}) {
		t.Fatalf("unexpected chunks %v", indices(got.Chunks))
	}
}

func TestStreamCompletionOrder(t *testing.T) {
	gates := map[string]chan struct{}{"s0": make(chan struct{}), "s1": make(chan struct{}), "s2": make(chan struct{}), "s3": make(chan struct{})}
	disp := NewDispatcher(NewPool(4), &stubSynth{gates: gates}, newLogger())

	chunks, tally := Stream(context.Background(), disp.Dispatch(context.Background(), makeUnits("s0", "s1", "s2", "s3"), Params{}), OrderCompletion)
	var order []int
	for _, name := range []string{"s2", "s0", "s3", "s1"} {
		close(gates[name])
		order = append(order, recv(t, chunks).Index)
	}
	if _, ok := <-chunks; ok {
		t.Fatal("expected stream to close")
	}
	if !reflect.DeepEqual(order, []int{2, 0, 3, 1}) {
		t.Fatalf("got %v, want completion order", order)
	}
	if !reflect.DeepEqual(tally.Delivered(), order) {
		t.Fatalf("tally %v does not match delivered order", tally.Delivered())
	}
}

func TestStreamSentenceOrder(t *testing.T) {
	gates := map[string]chan struct{}{"s0": make(chan struct{}), "s1": make(chan struct{}), "s2": make(chan struct{})}
	disp := NewDispatcher(NewPool(3), &stubSynth{gates: gates}, newLogger())

	chunks, _ := Stream(context.Background(), disp.Dispatch(context.Background(), makeUnits("s0", "s1", "s2"), Params{}), OrderSentence)
	close(gates["s2"])
	select {
	case c := <-chunks:
		t.Fatalf("chunk %d released before lower indices resolved", c.Index)
	case <-time.After(50 * time.Millisecond):
	}
	close(gates["s0"])
	if c := recv(t, chunks); c.Index != 0 {
		t.Fatalf("expected index 0, got %d", c.Index)
	}
	close(gates["s1"])
	if c := recv(t, chunks); c.Index != 1 {
		t.Fatalf("expected index 1, got %d", c.Index)
	}
	if c := recv(t, chunks); c.Index != 2 {
		t.Fatalf("expected index 2, got %d", c.Index)
	}
}

func TestStreamSkipsFailures(t *testing.T) {
	synth := &stubSynth{fail: map[string]bool{"bad": true}}
	disp := NewDispatcher(NewPool(2), synth, newLogger())

	chunks, tally := Stream(context.Background(), disp.Dispatch(context.Background(), makeUnits("ok", "bad", "fine"), Params{}), OrderSentence)
	var got []int
	for c := range chunks {
		got = append(got, c.Index)
	}
	if !reflect.DeepEqual(got, []int{0, 2}) {
		t.Fatalf("unexpected delivered %v", got)
	}
	if failed := tally.Failed(); len(failed) != 1 || failed[0].Index != 1 {
		t.Fatalf("unexpected failures %+v", failed)
	}
	if tally.Err() != nil {
		t.Fatalf("unexpected tally error %v", tally.Err())
	}
}

func TestStreamCancel(t *testing.T) {
	gate := make(chan struct{})
	disp := NewDispatcher(NewPool(1), &stubSynth{gates: map[string]chan struct{}{"b": gate}}, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	chunks, tally := Stream(ctx, disp.Dispatch(ctx, makeUnits("a", "b", "c"), Params{}), OrderCompletion)
	if c := recv(t, chunks); c.Index != 0 {
		t.Fatalf("expected index 0, got %d", c.Index)
	}
	cancel()
	for range chunks {
	}
	if !errors.Is(tally.Err(), context.Canceled) {
		t.Fatalf("expected cancellation recorded, got %v", tally.Err())
	}
}

func TestParseOrder(t *testing.T) {
	for in, want := range map[string]Order{"": OrderCompletion, "Completion": OrderCompletion, " sentence ": OrderSentence} {
		got, err := ParseOrder(in)
		if err != nil || got != want {
			t.Fatalf("ParseOrder(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseOrder("random"); err == nil {
		t.Fatal("expected error for unknown order")
	}
}

func TestMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	disp := NewDispatcher(NewPool(2), &stubSynth{fail: map[string]bool{"no": true}}, newLogger(), WithMetrics(met))
	if _, err := Collect(context.Background(), disp.Dispatch(context.Background(), makeUnits("yes", "no", "yes"), Params{})); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "loqa.tts.units" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("outcome"))
				counts[v.AsString()] += dp.Value
			}
		}
	}
	if counts["ok"] != 2 || counts["failed"] != 1 {
		t.Fatalf("unexpected unit counts %v", counts)
	}
}
