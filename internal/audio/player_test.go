package audio

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeElement struct {
	mu        sync.Mutex
	source    string
	playing   bool
	plays     int
	canPlay   func()
	ended     func()
	closed    bool
	sourceLog []string
}

func (e *fakeElement) SetSource(uri string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = uri
	e.playing = false
	e.sourceLog = append(e.sourceLog, uri)
	return nil
}

func (e *fakeElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = true
	e.plays++
	return nil
}

func (e *fakeElement) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	return nil
}

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

func (e *fakeElement) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeElement) fireCanPlay() {
	e.mu.Lock()
	fn := e.canPlay
	e.mu.Unlock()
	fn()
}

func (e *fakeElement) fireEnded() {
	e.mu.Lock()
	fn := e.ended
	e.playing = false
	e.mu.Unlock()
	fn()
}

type fakeAnalyser struct {
	mu     sync.Mutex
	frame  []byte
	onRead func()
}

func (a *fakeAnalyser) FrequencyBinCount() int { return 128 }

func (a *fakeAnalyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	copy(dst, a.frame)
	fn := a.onRead
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (a *fakeAnalyser) Close() error { return nil }

func (a *fakeAnalyser) set(v byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frame = make([]byte, 128)
	for i := range a.frame {
		a.frame[i] = v
	}
}

type fakePlatform struct {
	elements  []*fakeElement
	analysers []*fakeAnalyser
	fftSizes  []int
}

func (p *fakePlatform) NewElement() (Element, error) {
	e := &fakeElement{}
	p.elements = append(p.elements, e)
	return e, nil
}

func (p *fakePlatform) NewAnalyser(el Element, fftSize int) (Analyser, error) {
	a := &fakeAnalyser{}
	a.set(0)
	p.analysers = append(p.analysers, a)
	p.fftSizes = append(p.fftSizes, fftSize)
	return a, nil
}

func newTestPlayer() (*Player, *fakePlatform) {
	pf := &fakePlatform{}
	return NewPlayer(pf, DefaultLipSyncConfig(), nil, zerolog.Nop()), pf
}

func TestLoad_PlaysOnCanPlayThrough(t *testing.T) {
	p, pf := newTestPlayer()
	var states []bool
	p.OnSpeakingChange(func(s bool) { states = append(states, s) })

	require.NoError(t, p.Load("data:audio/mp3;base64,AA"))
	require.Len(t, pf.elements, 1)
	el := pf.elements[0]
	assert.False(t, p.Speaking())
	assert.Empty(t, pf.analysers, "analyser is built on first can-play-through")

	el.fireCanPlay()
	assert.True(t, p.Speaking())
	assert.True(t, el.playing)
	require.Len(t, pf.analysers, 1)
	assert.Equal(t, []int{256}, pf.fftSizes)

	el.fireEnded()
	assert.False(t, p.Speaking())
	assert.Equal(t, float32(0), p.MouthOpen())
	assert.Equal(t, []bool{true, false}, states)
}

func TestAnalyserAndElementReused(t *testing.T) {
	p, pf := newTestPlayer()

	require.NoError(t, p.Load("data:a"))
	pf.elements[0].fireCanPlay()
	pf.elements[0].fireEnded()

	require.NoError(t, p.Load("data:b"))
	pf.elements[0].fireCanPlay()

	assert.Len(t, pf.elements, 1)
	assert.Len(t, pf.analysers, 1)
	assert.Equal(t, 2, pf.elements[0].plays)
}

func TestLoad_OnlyLatestSourceAudible(t *testing.T) {
	p, pf := newTestPlayer()

	require.NoError(t, p.Load("data:a"))
	el := pf.elements[0]
	staleCanPlay := el.canPlay
	staleEnded := el.ended

	require.NoError(t, p.Load("data:b"))
	assert.Equal(t, "data:b", el.source)

	// a late event from the replaced source does nothing
	staleCanPlay()
	assert.False(t, p.Speaking())
	assert.Equal(t, 0, el.plays)

	el.fireCanPlay()
	assert.True(t, p.Speaking())
	assert.Equal(t, "data:b", p.Source())

	staleEnded()
	assert.True(t, p.Speaking(), "stale ended must not stop current playback")
}

func TestTick_ConvergesToLevel(t *testing.T) {
	p, pf := newTestPlayer()
	require.NoError(t, p.Load("data:a"))
	pf.elements[0].fireCanPlay()

	// avg 64 over the speech bins: min(1, 64/128) * 1.2 = 0.6
	pf.analysers[0].set(64)
	var m float32
	for i := 0; i < 30; i++ {
		m = p.Tick()
	}
	assert.InDelta(t, 0.6, m, 1e-4)

	// loud input saturates at 1
	pf.analysers[0].set(255)
	for i := 0; i < 30; i++ {
		m = p.Tick()
		require.LessOrEqual(t, m, float32(1))
	}
	assert.InDelta(t, 1.0, m, 1e-4)
}

func TestStop_MouthDecaysWithinBoundedFrames(t *testing.T) {
	p, pf := newTestPlayer()
	require.NoError(t, p.Load("data:a"))
	el := pf.elements[0]
	el.fireCanPlay()
	pf.analysers[0].set(255)
	for i := 0; i < 20; i++ {
		p.Tick()
	}
	require.Greater(t, p.MouthOpen(), float32(0.9))

	require.NoError(t, p.Stop())
	assert.False(t, p.Speaking())
	assert.False(t, el.playing)
	assert.Equal(t, "", el.source)

	prev := p.MouthOpen()
	frames := 0
	for p.Tick() > 0 {
		cur := p.MouthOpen()
		assert.Less(t, cur, prev)
		prev = cur
		frames++
		require.Less(t, frames, 30)
	}
	assert.Equal(t, float32(0), p.MouthOpen())
}

func TestStop_LateCanPlayIgnored(t *testing.T) {
	p, pf := newTestPlayer()
	require.NoError(t, p.Load("data:a"))
	el := pf.elements[0]
	require.NoError(t, p.Stop())

	el.fireCanPlay()
	assert.False(t, p.Speaking())
	assert.Equal(t, 0, el.plays)
}

func TestClose(t *testing.T) {
	p, pf := newTestPlayer()
	require.NoError(t, p.Load("data:a"))
	pf.elements[0].fireCanPlay()

	require.NoError(t, p.Close())
	assert.True(t, pf.elements[0].closed)
	assert.False(t, p.Speaking())
	assert.ErrorIs(t, p.Load("data:b"), ErrClosed)
	require.NoError(t, p.Close())
}

func TestTick_NoAnalyserDecays(t *testing.T) {
	p, _ := newTestPlayer()
	assert.Equal(t, float32(0), p.Tick())
}

func TestTick_EndDuringFrameClosesMouth(t *testing.T) {
	p, pf := newTestPlayer()
	require.NoError(t, p.Load("data:audio/mp3;base64,AA"))
	el := pf.elements[0]
	el.fireCanPlay()
	an := pf.analysers[0]
	an.set(255)

	for i := 0; i < 10; i++ {
		p.Tick()
	}
	require.Greater(t, p.MouthOpen(), float32(0.9))

	an.mu.Lock()
	an.onRead = el.fireEnded
	an.mu.Unlock()

	assert.Equal(t, float32(0), p.Tick())
	assert.False(t, p.Speaking())
	assert.Equal(t, float32(0), p.MouthOpen())
}

func TestTick_StopDuringFrameDecays(t *testing.T) {
	p, pf := newTestPlayer()
	require.NoError(t, p.Load("data:audio/mp3;base64,AA"))
	pf.elements[0].fireCanPlay()
	an := pf.analysers[0]
	an.set(255)
	for i := 0; i < 10; i++ {
		p.Tick()
	}
	open := p.MouthOpen()

	an.mu.Lock()
	an.onRead = func() { _ = p.Stop() }
	an.mu.Unlock()

	assert.Equal(t, open, p.Tick(), "frame overlapping a stop is dropped")
	assert.Less(t, p.Tick(), open, "mouth decays after a stop")
}
