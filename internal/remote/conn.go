package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/CodeForgeNet/virtualme/internal/avatar"
	"github.com/CodeForgeNet/virtualme/internal/store"
)

const (
	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize bounds inbound frames.
	MaxMessageSize = 64 * 1024

	sendBuffer = 256
)

// ErrClosed is returned when using a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is one page connection. It implements stt.Recognizer, audio.Platform
// and avatar.Face.
type Conn struct {
	ws     *websocket.Conn
	logger zerolog.Logger
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	captureSeq uint64
	capture    *captureSession
	element    *element
	analyser   *analyser
	morphs     avatar.MorphDictionary
	lastMorph  map[int]float32
	onCommand  func(Envelope)
	closeOnce  sync.Once
}

// NewConn wraps an upgraded websocket. morphs is the face's default
// morph-target dictionary; the page may replace it when the avatar mounts.
func NewConn(ws *websocket.Conn, morphs avatar.MorphDictionary, logger zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	if morphs == nil {
		morphs = avatar.MorphDictionary{}
	}
	return &Conn{
		ws:        ws,
		logger:    logger.With().Str("component", "remote").Logger(),
		send:      make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		morphs:    morphs,
		lastMorph: make(map[int]float32),
	}
}

// OnCommand sets the handler for user actions sent by the page.
func (c *Conn) OnCommand(fn func(Envelope)) {
	c.mu.Lock()
	c.onCommand = fn
	c.mu.Unlock()
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Serve runs the read and write pumps until the page disconnects or ctx is
// cancelled.
func (c *Conn) Serve(ctx context.Context) error {
	c.wg.Add(1)
	go c.writePump()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.ctx.Done():
		}
	}()

	err := c.readPump()
	c.Close()
	c.wg.Wait()
	return err
}

// Close ends the connection. Pending Recv calls return io.EOF; the write
// pump sends a close frame and releases the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// Send queues an envelope for the page. A full queue drops the message.
func (c *Conn) Send(env Envelope) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := sonic.Marshal(env)
	if err != nil {
		return oops.In("remote").With("type", env.Type).Wrapf(err, "marshal")
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	default:
		c.logger.Warn().Str("type", string(env.Type)).Msg("Send queue full, dropping")
		return oops.In("remote").With("type", env.Type).Errorf("send queue full")
	}
}

// SendState pushes a state snapshot to the page.
func (c *Conn) SendState(st store.State) error {
	return c.Send(Envelope{Type: TypeState, State: &st})
}

func (c *Conn) writePump() {
	defer c.wg.Done()
	defer c.ws.Close()

	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) readPump() error {
	c.ws.SetReadLimit(MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn().Err(err).Msg("WebSocket error")
				return oops.In("remote").Wrapf(err, "read")
			}
			return nil
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait))

		var env Envelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed message")
			_ = c.Send(Envelope{Type: TypeError, Error: "malformed message"})
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env Envelope) {
	switch env.Type {
	case TypeCaptureResult, TypeCaptureError, TypeCaptureEnd:
		c.handleCapture(env)
	case TypeAudioCanPlayThrough, TypeAudioEnded:
		c.handleAudioEvent(env)
	case TypeSpectrum:
		c.handleSpectrum(env)
	case TypeAvatarMounted:
		if len(env.Targets) > 0 {
			c.setMorphNames(env.Targets)
		}
		c.command(env)
	default:
		if env.IsCommand() {
			c.command(env)
			return
		}
		c.logger.Debug().Str("type", string(env.Type)).Msg("Unknown message type")
	}
}

func (c *Conn) command(env Envelope) {
	c.mu.Lock()
	fn := c.onCommand
	c.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}
