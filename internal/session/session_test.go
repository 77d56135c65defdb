package session

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeForgeNet/virtualme/internal/audio"
	"github.com/CodeForgeNet/virtualme/internal/avatar"
	"github.com/CodeForgeNet/virtualme/internal/backend"
	"github.com/CodeForgeNet/virtualme/internal/bus"
	"github.com/CodeForgeNet/virtualme/internal/stt"
)

type fakeBackend struct {
	mu      sync.Mutex
	answer  *backend.Answer
	err     error
	asked   []string
	suggest []string
}

func (b *fakeBackend) Ask(ctx context.Context, q string) (*backend.Answer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.asked = append(b.asked, q)
	if b.err != nil {
		return nil, b.err
	}
	return b.answer, nil
}

func (b *fakeBackend) Suggest(ctx context.Context) ([]string, error) { return b.suggest, nil }

func (b *fakeBackend) askedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.asked)
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
}

func (s *fakeSynth) Speak(ctx context.Context, text string) (*backend.SpeechResponse, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return &backend.SpeechResponse{AudioData: "data:audio/mp3;base64,AA"}, nil
}

func (s *fakeSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeSession struct {
	results chan *stt.Result
	done    chan struct{}
	once    sync.Once
}

func (s *fakeSession) Recv() (*stt.Result, error) {
	select {
	case r := <-s.results:
		return r, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeRecognizer struct {
	mu   sync.Mutex
	last *fakeSession
	n    int
}

func (r *fakeRecognizer) Open(ctx context.Context, opts stt.Options) (stt.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &fakeSession{results: make(chan *stt.Result, 4), done: make(chan struct{})}
	r.n++
	return r.last, nil
}

func (r *fakeRecognizer) opened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

type fakeElement struct {
	mu      sync.Mutex
	source  string
	canPlay func()
	ended   func()
}

func (e *fakeElement) SetSource(uri string) error {
	e.mu.Lock()
	e.source = uri
	e.mu.Unlock()
	return nil
}
func (e *fakeElement) Play() error  { return nil }
func (e *fakeElement) Pause() error { return nil }
func (e *fakeElement) OnCanPlayThrough(fn func()) {
	e.mu.Lock()
	e.canPlay = fn
	e.mu.Unlock()
}
func (e *fakeElement) OnEnded(fn func()) {
	e.mu.Lock()
	e.ended = fn
	e.mu.Unlock()
}
func (e *fakeElement) Close() error { return nil }

type fakeAnalyser struct{}

func (fakeAnalyser) FrequencyBinCount() int { return 128 }
func (fakeAnalyser) ByteFrequencyData(dst []byte) {
	for i := range dst {
		dst[i] = 128
	}
}
func (fakeAnalyser) Close() error { return nil }

type fakeAudio struct {
	mu sync.Mutex
	el *fakeElement
}

func (a *fakeAudio) NewElement() (audio.Element, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.el = &fakeElement{}
	return a.el, nil
}

func (a *fakeAudio) NewAnalyser(el audio.Element, fftSize int) (audio.Analyser, error) {
	return fakeAnalyser{}, nil
}

func (a *fakeAudio) element() *fakeElement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.el
}

type fakeFace struct {
	mu      sync.Mutex
	weights []float32
}

func (f *fakeFace) MorphTargets() avatar.MorphDictionary {
	return avatar.MorphDictionary{"mouthOpen": 0}
}

func (f *fakeFace) SetInfluence(index int, weight float32) {
	f.mu.Lock()
	f.weights = append(f.weights, weight)
	f.mu.Unlock()
}

type rig struct {
	sess  *Session
	be    *fakeBackend
	synth *fakeSynth
	rec   *fakeRecognizer
	audio *fakeAudio
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRig(t *testing.T) *rig {
	t.Helper()
	return newRigWithLogger(t, zerolog.Nop())
}

func newRigWithLogger(t *testing.T, logger zerolog.Logger) *rig {
	t.Helper()
	r := &rig{
		be:    &fakeBackend{answer: &backend.Answer{Text: "hi there", Suggestions: []string{"q1"}}, suggest: []string{"start"}},
		synth: &fakeSynth{},
		rec:   &fakeRecognizer{},
		audio: &fakeAudio{},
	}
	opts := DefaultOptions()
	opts.RequestTimeout = time.Second
	r.sess = New(Deps{
		Backend:     r.be,
		Synthesizer: r.synth,
		Recognizer:  r.rec,
		Audio:       r.audio,
	}, opts, logger)
	t.Cleanup(func() { r.sess.Close() })
	return r
}

func TestMount_FetchesSuggestionsAndRegistersHandler(t *testing.T) {
	r := newRig(t)
	r.sess.Mount(&fakeFace{})

	assert.Eventually(t, func() bool {
		st := r.sess.Store.Snapshot()
		return len(st.Suggestions) == 1 && st.SpeechHandlerRegistered
	}, time.Second, 5*time.Millisecond)

	r.sess.Unmount()
	assert.False(t, r.sess.Store.Snapshot().SpeechHandlerRegistered)
}

func TestVoiceTurn_EndToEnd(t *testing.T) {
	r := newRig(t)
	face := &fakeFace{}
	r.sess.Mount(face)

	require.NoError(t, r.sess.StartListening(context.Background()))
	assert.Eventually(t, func() bool { return r.sess.Store.Snapshot().Listening }, time.Second, 5*time.Millisecond)

	r.rec.last.results <- &stt.Result{Segments: []stt.Segment{{Text: "what projects have you built", Final: true}}}

	// synthesized audio reaches the element
	assert.Eventually(t, func() bool {
		el := r.audio.element()
		if el == nil {
			return false
		}
		el.mu.Lock()
		defer el.mu.Unlock()
		return el.source != "" && el.canPlay != nil
	}, time.Second, 5*time.Millisecond)

	el := r.audio.element()
	el.mu.Lock()
	canPlay := el.canPlay
	el.mu.Unlock()
	canPlay()

	assert.Eventually(t, func() bool {
		st := r.sess.Store.Snapshot()
		return st.Speaking && !st.Busy()
	}, time.Second, 5*time.Millisecond)
	st := r.sess.Store.Snapshot()
	assert.False(t, st.Listening)
	assert.Equal(t, "speaking", st.Phase())
	assert.Equal(t, []string{"q1"}, st.Suggestions)

	for i := 0; i < 10; i++ {
		r.sess.Driver.Frame()
	}
	face.mu.Lock()
	require.NotEmpty(t, face.weights)
	assert.Greater(t, face.weights[len(face.weights)-1], float32(0.5))
	face.mu.Unlock()

	r.sess.StopSpeaking()
	st = r.sess.Store.Snapshot()
	assert.False(t, st.Speaking)
	assert.Empty(t, st.CurrentAudio)
	for i := 0; i < 30; i++ {
		r.sess.Driver.Frame()
	}
	assert.Equal(t, float32(0), r.sess.Player.MouthOpen())
}

func TestVerbalReply_SpokenWithoutEmphasis(t *testing.T) {
	r := newRig(t)
	r.be.answer = &backend.Answer{Text: "I built **virtualme**"}
	r.sess.Mount(&fakeFace{})

	require.NoError(t, r.sess.Store.SubmitVerbalQuery(context.Background(), "what did you build"))

	assert.Equal(t, []string{"I built virtualme"}, r.synth.spoken())
	st := r.sess.Store.Snapshot()
	assert.Equal(t, "I built **virtualme**", st.Messages[len(st.Messages)-1].Text)
}

func TestStartListening_IgnoredWhileSpeaking(t *testing.T) {
	r := newRig(t)
	r.sess.Store.SetSpeaking(true)

	require.NoError(t, r.sess.StartListening(context.Background()))
	assert.Equal(t, 0, r.rec.opened())
}

func TestQuotaGate(t *testing.T) {
	r := newRig(t)
	r.be.err = backend.ErrQuotaExceeded

	require.ErrorIs(t, r.sess.Submit(context.Background(), "a"), backend.ErrQuotaExceeded)
	require.True(t, r.sess.Store.Snapshot().QuotaExceeded)

	assert.ErrorIs(t, r.sess.Submit(context.Background(), "b"), ErrQuotaExceeded)
	assert.ErrorIs(t, r.sess.StartListening(context.Background()), ErrQuotaExceeded)
	assert.Equal(t, 1, r.be.askedCount())
}

func TestClose_Idempotent(t *testing.T) {
	r := newRig(t)
	r.sess.Mount(&fakeFace{})
	require.NoError(t, r.sess.StartListening(context.Background()))

	require.NoError(t, r.sess.Close())
	require.NoError(t, r.sess.Close())
	assert.False(t, r.sess.Capture.IsListening())
	assert.Error(t, r.sess.Context().Err())
}

func TestLifecycleEventsLogged(t *testing.T) {
	var buf syncBuffer
	r := newRigWithLogger(t, zerolog.New(&buf).Level(zerolog.DebugLevel))

	require.NoError(t, r.sess.Submit(context.Background(), "hello"))

	assert.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, string(bus.EventTypeMessageAdded)) &&
			strings.Contains(out, `"role":"assistant"`)
	}, time.Second, 5*time.Millisecond)
}

func TestClose_ClearsBus(t *testing.T) {
	r := newRig(t)
	called := false
	r.sess.Bus.Subscribe(bus.EventTypeTranscript, func(bus.Event) { called = true })

	require.NoError(t, r.sess.Close())
	r.sess.Bus.PublishSync(bus.Event{Type: bus.EventTypeTranscript})
	assert.False(t, called)
}

func TestRun_StopsOnClose(t *testing.T) {
	r := newRig(t)
	done := make(chan error, 1)
	go func() { done <- r.sess.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.sess.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "Run did not return")
	}
}
