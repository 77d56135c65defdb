package remote

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"

	"github.com/samber/oops"

	"github.com/CodeForgeNet/virtualme/internal/audio"
	"github.com/CodeForgeNet/virtualme/internal/avatar"
	"github.com/CodeForgeNet/virtualme/internal/stt"
)

var (
	_ stt.Recognizer = (*Conn)(nil)
	_ audio.Platform = (*Conn)(nil)
	_ avatar.Face    = (*Conn)(nil)
)

// Open starts recognition on the page. Only the latest session receives
// results.
func (c *Conn) Open(ctx context.Context, opts stt.Options) (stt.Session, error) {
	c.mu.Lock()
	c.captureSeq++
	sess := &captureSession{
		conn:    c,
		seq:     c.captureSeq,
		results: make(chan *stt.Result, 16),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	prev := c.capture
	c.capture = sess
	c.mu.Unlock()

	if prev != nil {
		prev.finish()
	}
	if err := c.Send(Envelope{Type: TypeCaptureStart, Seq: sess.seq, Options: &opts}); err != nil {
		return nil, err
	}
	return sess, nil
}

type captureSession struct {
	conn    *Conn
	seq     uint64
	results chan *stt.Result
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func (s *captureSession) Recv() (*stt.Result, error) {
	select {
	case r := <-s.results:
		return r, nil
	case err := <-s.errs:
		return nil, err
	case <-s.done:
		return nil, io.EOF
	case <-s.conn.ctx.Done():
		return nil, io.EOF
	}
}

func (s *captureSession) Close() error {
	if s.finish() {
		_ = s.conn.Send(Envelope{Type: TypeCaptureStop, Seq: s.seq})
	}
	s.conn.mu.Lock()
	if s.conn.capture == s {
		s.conn.capture = nil
	}
	s.conn.mu.Unlock()
	return nil
}

// finish closes done and reports whether this call did it.
func (s *captureSession) finish() bool {
	first := false
	s.once.Do(func() {
		close(s.done)
		first = true
	})
	return first
}

func (c *Conn) handleCapture(env Envelope) {
	c.mu.Lock()
	sess := c.capture
	c.mu.Unlock()
	if sess == nil || sess.seq != env.Seq {
		return
	}

	switch env.Type {
	case TypeCaptureResult:
		if env.Result == nil {
			return
		}
		select {
		case sess.results <- env.Result:
		default:
			c.logger.Warn().Msg("Capture results full, dropping")
		}
	case TypeCaptureError:
		select {
		case sess.errs <- oops.In("remote").Errorf("%s", env.Error):
		default:
		}
	case TypeCaptureEnd:
		sess.finish()
	}
}

// NewElement returns the page's audio element. There is one per connection.
func (c *Conn) NewElement() (audio.Element, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.element == nil {
		c.element = &element{conn: c}
	}
	return c.element, nil
}

// NewAnalyser asks the page to route the element through an analyser.
func (c *Conn) NewAnalyser(el audio.Element, fftSize int) (audio.Analyser, error) {
	if err := c.Send(Envelope{Type: TypeAnalyserCreate, FFTSize: fftSize}); err != nil {
		return nil, err
	}
	an := &analyser{conn: c, bins: make([]byte, fftSize/2)}
	c.mu.Lock()
	c.analyser = an
	c.mu.Unlock()
	return an, nil
}

type element struct {
	conn *Conn

	mu      sync.Mutex
	seq     uint64
	canPlay func()
	ended   func()
}

func (e *element) SetSource(uri string) error {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()
	return e.conn.Send(Envelope{Type: TypeAudioSource, Seq: seq, URI: uri})
}

func (e *element) Play() error {
	return e.conn.Send(Envelope{Type: TypeAudioPlay, Seq: e.current()})
}

func (e *element) Pause() error {
	return e.conn.Send(Envelope{Type: TypeAudioPause, Seq: e.current()})
}

func (e *element) OnCanPlayThrough(fn func()) {
	e.mu.Lock()
	e.canPlay = fn
	e.mu.Unlock()
}

func (e *element) OnEnded(fn func()) {
	e.mu.Lock()
	e.ended = fn
	e.mu.Unlock()
}

func (e *element) Close() error {
	e.conn.mu.Lock()
	if e.conn.element == e {
		e.conn.element = nil
	}
	e.conn.mu.Unlock()
	err := e.conn.Send(Envelope{Type: TypeAudioRelease})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (e *element) current() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

func (c *Conn) handleAudioEvent(env Envelope) {
	c.mu.Lock()
	el := c.element
	c.mu.Unlock()
	if el == nil {
		return
	}

	el.mu.Lock()
	if env.Seq != el.seq {
		el.mu.Unlock()
		return
	}
	var fn func()
	if env.Type == TypeAudioCanPlayThrough {
		fn = el.canPlay
	} else {
		fn = el.ended
	}
	el.mu.Unlock()

	if fn != nil {
		fn()
	}
}

type analyser struct {
	conn *Conn

	mu   sync.Mutex
	bins []byte
}

func (a *analyser) FrequencyBinCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bins)
}

func (a *analyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := copy(dst, a.bins)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func (a *analyser) Close() error {
	a.conn.mu.Lock()
	if a.conn.analyser == a {
		a.conn.analyser = nil
	}
	a.conn.mu.Unlock()
	err := a.conn.Send(Envelope{Type: TypeAnalyserRelease})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) handleSpectrum(env Envelope) {
	c.mu.Lock()
	an := c.analyser
	c.mu.Unlock()
	if an == nil {
		return
	}
	an.mu.Lock()
	n := copy(an.bins, env.Bins)
	for i := n; i < len(an.bins); i++ {
		an.bins[i] = 0
	}
	an.mu.Unlock()
}

// MorphTargets returns the face's morph-target dictionary.
func (c *Conn) MorphTargets() avatar.MorphDictionary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.morphs
}

// SetInfluence sends a morph weight to the page, skipping unchanged values.
func (c *Conn) SetInfluence(index int, weight float32) {
	c.mu.Lock()
	last, seen := c.lastMorph[index]
	if seen && math.Abs(float64(last-weight)) < 1e-3 {
		c.mu.Unlock()
		return
	}
	c.lastMorph[index] = weight
	name := ""
	for n, i := range c.morphs {
		if i == index {
			name = n
			break
		}
	}
	c.mu.Unlock()

	_ = c.Send(Envelope{Type: TypeMorph, Morph: &Morph{Name: name, Index: index, Weight: weight}})
}

func (c *Conn) setMorphNames(names []string) {
	dict := make(avatar.MorphDictionary, len(names))
	for i, n := range names {
		dict[n] = i
	}
	c.mu.Lock()
	c.morphs = dict
	c.lastMorph = make(map[int]float32)
	c.mu.Unlock()
}
