package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emberml/kiln/internal/runtime"
)

// fakeRuntime produces scripted models: token id i maps to outputs[i], the
// id just past the script is EOS, and the context's logits always point at
// the next scripted token so greedy sampling replays the script.
type fakeRuntime struct {
	outputs []string

	prefillErr error
	failAtStep int // generation step whose decode fails; -1 disables
	decodeGate chan struct{}
	loadErr    error
}

func newFakeRuntime(outputs ...string) *fakeRuntime {
	return &fakeRuntime{outputs: outputs, failAtStep: -1}
}

func (r *fakeRuntime) LoadModel(path string, params runtime.ModelParams) (runtime.Model, error) {
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	if params.Progress != nil {
		params.Progress(0)
		params.Progress(0.5)
		params.Progress(1)
	}
	return &fakeModel{rt: r}, nil
}

type fakeModel struct {
	rt    *fakeRuntime
	freed bool
}

func (m *fakeModel) NewContext(params runtime.ContextParams) (runtime.Context, error) {
	return &fakeContext{rt: m.rt}, nil
}

func (m *fakeModel) Tokenize(text string) ([]int, error) {
	// One synthetic prompt token per byte, offset past the output ids.
	base := len(m.rt.outputs) + 1
	ids := make([]int, 0, len(text)+1)
	ids = append(ids, base) // BOS-like
	for i := 0; i < len(text); i++ {
		ids = append(ids, base+1+int(text[i]))
	}
	return ids, nil
}

func (m *fakeModel) TokenText(id int) string {
	if id >= 0 && id < len(m.rt.outputs) {
		return m.rt.outputs[id]
	}
	return ""
}

func (m *fakeModel) IsEOS(id int) bool { return id == len(m.rt.outputs) }

func (m *fakeModel) VocabSize() int { return len(m.rt.outputs) + 300 }

func (m *fakeModel) Free() { m.freed = true }

type fakeContext struct {
	rt       *fakeRuntime
	step     int // next scripted token to surface via logits
	pos      int
	clears   int
	prefills int
	freed    bool
}

func (c *fakeContext) Decode(b *runtime.Batch) error {
	if c.freed {
		return errors.New("decode on freed context")
	}
	if c.rt.decodeGate != nil {
		<-c.rt.decodeGate
	}
	prefill := b.Len() > 1
	if prefill {
		c.prefills++
		if c.rt.prefillErr != nil {
			return c.rt.prefillErr
		}
	} else {
		if c.rt.failAtStep >= 0 && c.step == c.rt.failAtStep {
			return errors.New("injected decode failure")
		}
		c.step++
	}
	for i := 0; i < b.Len(); i++ {
		if b.Pos[i] != c.pos {
			return errors.New("non-contiguous position")
		}
		c.pos++
	}
	return nil
}

func (c *fakeContext) Logits() []float32 {
	logits := make([]float32, len(c.rt.outputs)+300)
	hot := c.step
	if hot > len(c.rt.outputs) {
		hot = len(c.rt.outputs) // EOS once the script runs out
	}
	logits[hot] = 10
	return logits
}

func (c *fakeContext) Clear() {
	c.step = 0
	c.pos = 0
	c.clears++
}

func (c *fakeContext) Free() { c.freed = true }

func tempWeights(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	return path
}

func greedyRequest(prompt string, maxTokens int, stop ...string) Request {
	return Request{Prompt: prompt, MaxTokens: maxTokens, Temperature: 0, Stop: stop, Seed: 1}
}

func TestLoadSuccess(t *testing.T) {
	e := New(newFakeRuntime("a"))
	if err := e.Load(tempWeights(t), 4); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !e.Loaded() {
		t.Fatal("Loaded() = false after successful load")
	}
	if got := e.LoadProgress(); got != 1.0 {
		t.Fatalf("LoadProgress = %v, want 1.0", got)
	}
	if e.State() != StateReady {
		t.Fatalf("state = %v, want ready", e.State())
	}
}

func TestLoadMissingFile(t *testing.T) {
	e := New(newFakeRuntime("a"))
	err := e.Load(filepath.Join(t.TempDir(), "missing.bin"), 4)
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want LoadError", err)
	}
	if e.State() != StateError || e.Loaded() {
		t.Fatalf("state = %v loaded = %v, want error/false", e.State(), e.Loaded())
	}

	// ERROR is a valid starting state for another load attempt.
	if err := e.Load(tempWeights(t), 4); err != nil {
		t.Fatalf("reload from error state: %v", err)
	}
	if e.State() != StateReady {
		t.Fatalf("state after reload = %v, want ready", e.State())
	}
}

func TestLoadRuntimeFailure(t *testing.T) {
	rt := newFakeRuntime("a")
	rt.loadErr = errors.New("init failed")
	e := New(rt)
	if err := e.Load(tempWeights(t), 2); err == nil {
		t.Fatal("expected load error")
	}
	if e.State() != StateError {
		t.Fatalf("state = %v, want error", e.State())
	}
	if e.LoadProgress() != 0 {
		t.Fatalf("progress after failed load = %v, want 0", e.LoadProgress())
	}
}

func TestLoadRejectedWhileReady(t *testing.T) {
	e := New(newFakeRuntime("a"))
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := e.Load(tempWeights(t), 1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second load error = %v, want ErrInvalidState", err)
	}
}

func TestGenerateNotLoaded(t *testing.T) {
	e := New(newFakeRuntime("a"))
	_, err := e.Generate(context.Background(), greedyRequest("hi", 5))
	if !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("error = %v, want ErrNotLoaded", err)
	}
	if e.State() != StateUnloaded {
		t.Fatalf("state changed to %v", e.State())
	}
}

func TestGenerateFullScript(t *testing.T) {
	e := New(newFakeRuntime("Hel", "lo", " there"))
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	text, err := e.Generate(context.Background(), greedyRequest("prompt", 10))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Hello there" {
		t.Fatalf("text = %q, want %q", text, "Hello there")
	}
	if e.State() != StateReady {
		t.Fatalf("state after generate = %v, want ready", e.State())
	}
}

func TestGenerateMaxTokensLimit(t *testing.T) {
	e := New(newFakeRuntime("a", "b", "c", "d"))
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	text, err := e.Generate(context.Background(), greedyRequest("p", 2))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "ab" {
		t.Fatalf("text = %q, want %q", text, "ab")
	}
}

func TestGenerateMaxTokensZero(t *testing.T) {
	e := New(newFakeRuntime("a"))
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	calls := 0
	text, err := e.GenerateStream(context.Background(), greedyRequest("p", 0), func(string) { calls++ })
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if text != "" || calls != 0 {
		t.Fatalf("text = %q calls = %d, want empty and zero", text, calls)
	}
}

func TestStopStringTruncatesBlocking(t *testing.T) {
	e := New(newFakeRuntime("Hello", " wor", "ld###", "junk"))
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	text, err := e.Generate(context.Background(), greedyRequest("p", 10, "###"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Hello world" {
		t.Fatalf("text = %q, want %q", text, "Hello world")
	}
	if strings.Contains(text, "###") {
		t.Fatalf("stop string leaked into %q", text)
	}
}

func TestStopStringSpanningFragmentsStreaming(t *testing.T) {
	e := New(newFakeRuntime("ab", "c#", "##", "x"))
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	var frags []string
	text, err := e.GenerateStream(context.Background(), greedyRequest("p", 10, "###"), func(f string) {
		frags = append(frags, f)
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if text != "abc" {
		t.Fatalf("text = %q, want %q", text, "abc")
	}
	if got := strings.Join(frags, ""); got != text {
		t.Fatalf("streamed %q != returned %q", got, text)
	}
	for _, f := range frags {
		if strings.Contains(f, "###") {
			t.Fatalf("fragment %q contains the stop string", f)
		}
	}
}

func TestStopStringAcrossSingleByteTokens(t *testing.T) {
	// One byte per token, as a byte-level tokenizer emits: the stop string
	// spans three fragments, each shorter than the holdback window.
	run := func(stream StreamFunc) string {
		e := New(newFakeRuntime("a", "#", "#", "#", "b", "c"))
		if err := e.Load(tempWeights(t), 1); err != nil {
			t.Fatalf("Load: %v", err)
		}
		text, err := e.GenerateStream(context.Background(), greedyRequest("p", 10, "###"), stream)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		return text
	}

	blocking := run(nil)
	if blocking != "a" {
		t.Fatalf("blocking text = %q, want %q", blocking, "a")
	}
	if strings.Contains(blocking, "###") {
		t.Fatalf("blocking result contains stop string: %q", blocking)
	}

	var sb strings.Builder
	streamed := run(func(f string) { sb.WriteString(f) })
	if streamed != blocking || sb.String() != streamed {
		t.Fatalf("blocking %q, streaming %q, fragments %q must all agree", blocking, streamed, sb.String())
	}
}

func TestStopTieBreakCallerOrder(t *testing.T) {
	// Both stops match at the same offset; the first in caller order wins
	// and determines the (identical) cutoff.
	e := New(newFakeRuntime("one END STOP two"))
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	text, err := e.Generate(context.Background(), greedyRequest("p", 5, "END", "END STOP"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "one " {
		t.Fatalf("text = %q, want %q", text, "one ")
	}
}

func TestStreamingMatchesBlocking(t *testing.T) {
	outputs := []string{"The ", "quick ", "brown ", "fox"}
	run := func(stream StreamFunc) string {
		e := New(newFakeRuntime(outputs...))
		if err := e.Load(tempWeights(t), 1); err != nil {
			t.Fatalf("Load: %v", err)
		}
		text, err := e.GenerateStream(context.Background(), greedyRequest("p", 10, "own"), stream)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		return text
	}

	blocking := run(nil)
	var sb strings.Builder
	streamed := run(func(f string) { sb.WriteString(f) })
	if blocking != streamed || sb.String() != streamed {
		t.Fatalf("blocking %q, streaming %q, fragments %q must all agree", blocking, streamed, sb.String())
	}
}

func TestSequentialGenerationsIndependent(t *testing.T) {
	rt := newFakeRuntime("x", "y", "z")
	e := New(rt)
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	first, err := e.Generate(context.Background(), greedyRequest("one", 5))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := e.Generate(context.Background(), greedyRequest("two two two", 5))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second || first != "xyz" {
		t.Fatalf("outputs diverged across requests: %q vs %q", first, second)
	}
}

func TestPrefillFailureYieldsEmpty(t *testing.T) {
	rt := newFakeRuntime("a")
	rt.prefillErr = errors.New("prefill exploded")
	e := New(rt)
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	text, err := e.Generate(context.Background(), greedyRequest("p", 5))
	var de *DecodeError
	if !errors.As(err, &de) || !de.Prefill {
		t.Fatalf("error = %v, want prefill DecodeError", err)
	}
	if text != "" {
		t.Fatalf("text = %q, want empty", text)
	}
	if e.State() != StateReady {
		t.Fatalf("state = %v, want ready", e.State())
	}
}

func TestIncrementalDecodeFailureReturnsPartial(t *testing.T) {
	rt := newFakeRuntime("par", "tial", "never")
	rt.failAtStep = 1 // decode of the second generated token fails
	e := New(rt)
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	text, err := e.Generate(context.Background(), greedyRequest("p", 10))
	var de *DecodeError
	if !errors.As(err, &de) || de.Prefill {
		t.Fatalf("error = %v, want incremental DecodeError", err)
	}
	if text != "partial" {
		t.Fatalf("partial text = %q, want %q", text, "partial")
	}

	// The engine stays usable.
	if e.State() != StateReady {
		t.Fatalf("state = %v, want ready", e.State())
	}
	rt.failAtStep = -1
	if _, err := e.Generate(context.Background(), greedyRequest("p", 3)); err != nil {
		t.Fatalf("follow-up generate: %v", err)
	}
}

func TestConsumerPanicAbortsGeneration(t *testing.T) {
	e := New(newFakeRuntime("aaaa", "bbbb", "cccc"))
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	calls := 0
	_, err := e.GenerateStream(context.Background(), greedyRequest("p", 10), func(string) {
		calls++
		panic("consumer bug")
	})
	var ce *ConsumerError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want ConsumerError", err)
	}
	if calls != 1 {
		t.Fatalf("consumer called %d times after panicking, want 1", calls)
	}
	if e.State() != StateReady {
		t.Fatalf("state = %v, want ready", e.State())
	}
}

func TestCancelDuringGeneration(t *testing.T) {
	rt := newFakeRuntime("a", "b", "c", "d", "e", "f")
	rt.decodeGate = make(chan struct{}, 2)
	rt.decodeGate <- struct{}{} // prefill
	rt.decodeGate <- struct{}{} // first incremental decode
	e := New(rt)
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		text, _ := e.GenerateStream(context.Background(), greedyRequest("p", 100), nil)
		done <- text
	}()

	// Wait until generation is observably in flight, then cancel.
	for !e.Generating() {
		time.Sleep(time.Millisecond)
	}
	e.Cancel()
	close(rt.decodeGate)

	select {
	case text := <-done:
		// At most one post-cancel step can land.
		if len(text) > 2 {
			t.Fatalf("generated %q after cancel, want at most two fragments", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not terminate after cancel")
	}
	if e.State() != StateReady {
		t.Fatalf("state after cancel = %v, want ready", e.State())
	}
}

func TestCancelIdleIsNoop(t *testing.T) {
	e := New(newFakeRuntime("a", "b"))
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	e.Cancel() // nothing in flight
	text, err := e.Generate(context.Background(), greedyRequest("p", 5))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "ab" {
		t.Fatalf("cancel pre-cancelled the next request: %q", text)
	}
}

func TestContextCancellationReturnsPartial(t *testing.T) {
	e := New(newFakeRuntime("a", "b", "c"))
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Generate(ctx, greedyRequest("p", 5))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if e.State() != StateReady {
		t.Fatalf("state = %v, want ready", e.State())
	}
}

func TestUnloadIdempotent(t *testing.T) {
	e := New(newFakeRuntime("a"))
	e.Unload()
	if e.Loaded() || e.State() != StateUnloaded {
		t.Fatal("unload on empty engine changed state")
	}

	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	e.Unload()
	e.Unload()
	if e.Loaded() || e.State() != StateUnloaded {
		t.Fatal("double unload left residue")
	}
	if e.LoadProgress() != 0 {
		t.Fatalf("progress after unload = %v, want 0", e.LoadProgress())
	}
}

func TestLoadBusyWhileGenerating(t *testing.T) {
	rt := newFakeRuntime("a", "b", "c")
	rt.decodeGate = make(chan struct{}, 2)
	rt.decodeGate <- struct{}{} // prefill
	rt.decodeGate <- struct{}{} // first incremental decode
	e := New(rt)
	if err := e.Load(tempWeights(t), 1); err != nil {
		t.Fatalf("Load: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Generate(context.Background(), greedyRequest("p", 50))
	}()
	for !e.Generating() {
		time.Sleep(time.Millisecond)
	}

	if err := e.Load(tempWeights(t), 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("load during generation = %v, want ErrBusy", err)
	}

	e.Cancel()
	close(rt.decodeGate)
	<-done
}
