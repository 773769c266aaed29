package output

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/cadenza/internal/observe"
)

const (
	// DefaultClientBuffer is the number of frames queued per client before
	// frames are dropped.
	DefaultClientBuffer = 1024

	writeTimeout = 5 * time.Second
)

// BroadcastOption configures a [Broadcaster].
type BroadcastOption func(*Broadcaster)

// WithClientBuffer sets the per-client frame queue length.
func WithClientBuffer(n int) BroadcastOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin websocket clients whose origin
// matches one of patterns.
func WithOriginPatterns(patterns ...string) BroadcastOption {
	return func(b *Broadcaster) { b.origins = patterns }
}

// WithBroadcastMetrics sets the metric instruments used to count clients.
func WithBroadcastMetrics(m *observe.Metrics) BroadcastOption {
	return func(b *Broadcaster) { b.metrics = m }
}

type client struct {
	id     string
	frames chan []byte
}

// Broadcaster is an output sink that streams msgpack [Frame]s to every
// connected websocket client. It is also the [http.Handler] clients connect
// to.
//
// All methods are safe for concurrent use.
type Broadcaster struct {
	buffer  int
	origins []string
	metrics *observe.Metrics

	seq     atomic.Uint64
	dropped atomic.Uint64

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewBroadcaster creates a broadcaster with no clients.
func NewBroadcaster(opts ...BroadcastOption) *Broadcaster {
	b := &Broadcaster{
		buffer:  DefaultClientBuffer,
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// SendMIDI implements [scheduler.Output].
func (b *Broadcaster) SendMIDI(player string, note, velocity, channel int) {
	b.publish(Frame{
		Type:     FrameMIDI,
		Player:   player,
		Note:     note,
		Velocity: velocity,
		Channel:  channel,
		MIDI:     midiBytes(note, velocity, channel),
	})
}

// SendState implements [scheduler.Output].
func (b *Broadcaster) SendState(player string, index int) {
	b.publish(Frame{Type: FrameState, Player: player, Index: index})
}

// SendAudioTrigger implements [scheduler.Output].
func (b *Broadcaster) SendAudioTrigger(player string, onset, duration float64, position int) {
	b.publish(Frame{Type: FrameAudio, Player: player, Onset: onset, Duration: duration, Index: position})
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Dropped returns the number of frames dropped for slow clients.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Close disconnects every client and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		close(c.frames)
		delete(b.clients, id)
	}
}

// ServeHTTP upgrades the request to a websocket and streams frames until the
// client disconnects or the broadcaster is closed. Messages sent by the
// client are ignored.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.origins})
	if err != nil {
		slog.Warn("output: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	c, ok := b.add()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer b.remove(c)
	log := slog.With("client", c.id, "remote", r.RemoteAddr)
	log.Info("output client connected")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Info("output client disconnected")
			return
		case msg, ok := <-c.frames:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, msg)
			cancel()
			if err != nil {
				log.Warn("output client write failed", "err", err)
				return
			}
		}
	}
}

func (b *Broadcaster) publish(f Frame) {
	f.Seq = b.seq.Add(1)
	msg, err := Encode(f)
	if err != nil {
		slog.Error("output: dropping frame", "err", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		select {
		case c.frames <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) add() (*client, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	c := &client{id: uuid.NewString(), frames: make(chan []byte, b.buffer)}
	b.clients[c.id] = c
	b.metrics.ControlClients.Add(context.Background(), 1)
	return c, true
}

func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c.id]; ok {
		delete(b.clients, c.id)
		close(c.frames)
	}
	b.metrics.ControlClients.Add(context.Background(), -1)
}
