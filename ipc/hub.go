// Package ipc carries rendered output between the engine and detached
// output windows over a websocket channel.
package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/metrics"
)

// Channel is the websocket path segment every window joins.
const Channel = "patchies-ipc"

// Envelope types.
const (
	TypeRegister     = "register"
	TypeRegistered   = "registered"
	TypeRenderOutput = "renderOutput"
	TypeResize       = "resize"
)

// RoleOutput marks a window that displays the patch output.
const RoleOutput = "output"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNotRegistered = errors.New("first message must register a role")

// Envelope is the JSON header of every message. A renderOutput envelope is
// followed by one binary message holding the PNG frame.
type Envelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Role    string `json:"role,omitempty"`
	ID      string `json:"id,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

type outFrame struct {
	header []byte
	png    []byte
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan outFrame
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// HubConfig tunes a Hub.
type HubConfig struct {
	// QueueSize is the number of frames a client may lag before it is
	// dropped.
	QueueSize    int
	WriteTimeout time.Duration
}

// Hub fans output frames out to registered windows.
type Hub struct {
	cfg      HubConfig
	log      *zap.Logger
	upgrader websocket.Upgrader
	seq      atomic.Uint64
	nextID   atomic.Uint64

	mu      sync.Mutex
	clients map[string]*client

	// OnClientsChanged is called with the number of output windows after
	// each register or disconnect.
	OnClientsChanged func(n int)
	// OnResize is called when an output window reports its size.
	OnResize func(w, h int)
}

func NewHub(cfg HubConfig, log *zap.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Hub{
		cfg: cfg,
		log: log.With(zap.String("component", "ipc")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Handler serves the websocket endpoint under /<Channel>.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/"+Channel, h.serve)
	return mux
}

// Active reports whether any output window is registered.
func (h *Hub) Active() bool {
	return h.Clients() > 0
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast encodes img once and queues it for every output window. A
// window whose queue is full is disconnected.
func (h *Hub) Broadcast(img *image.RGBA) error {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n == 0 || img == nil {
		return nil
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	header, err := json.Marshal(Envelope{
		Type:    TypeRenderOutput,
		Channel: Channel,
		Seq:     h.seq.Add(1),
		Width:   img.Rect.Dx(),
		Height:  img.Rect.Dy(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	frame := outFrame{header: header, png: buf.Bytes()}

	var slow []*client
	h.mu.Lock()
	for _, c := range h.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.log.Warn("dropping slow output window", zap.String("client", c.id))
		h.remove(c)
	}
	return nil
}

// Close disconnects every window.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		h.remove(c)
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var reg Envelope
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != TypeRegister || reg.Role != RoleOutput {
		h.log.Warn("rejecting connection", zap.String("remote", r.RemoteAddr), zap.Error(errors.Join(err, ErrNotRegistered)))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrNotRegistered.Error()))
		return
	}

	c := &client{
		id:   fmt.Sprintf("output-%d", h.nextID.Add(1)),
		conn: conn,
		send: make(chan outFrame, h.cfg.QueueSize),
	}
	if err := conn.WriteJSON(Envelope{Type: TypeRegistered, Channel: Channel, Role: RoleOutput, ID: c.id}); err != nil {
		h.log.Warn("failed to acknowledge output window", zap.Error(err))
		return
	}
	h.add(c)
	defer h.remove(c)

	go h.readLoop(c)
	h.writeLoop(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.changed(n)
	h.log.Info("output window registered", zap.String("client", c.id))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if ok {
		h.changed(n)
		h.log.Info("output window left", zap.String("client", c.id))
	}
}

func (h *Hub) changed(n int) {
	metrics.OutputClients.Set(float64(n))
	if h.OnClientsChanged != nil {
		h.OnClientsChanged(n)
	}
}

func (h *Hub) writeLoop(c *client) {
	for f := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, f.header); err != nil {
			h.log.Debug("write failed", zap.String("client", c.id), zap.Error(err))
			return
		}
		if err := c.conn.WriteMessage(websocket.BinaryMessage, f.png); err != nil {
			h.log.Debug("write failed", zap.String("client", c.id), zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop handles control messages from a window and notices it leaving.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case TypeResize:
			if h.OnResize != nil && env.Width > 0 && env.Height > 0 {
				h.OnResize(env.Width, env.Height)
			}
		default:
			h.log.Debug("ignoring message", zap.String("client", c.id), zap.String("type", env.Type))
		}
	}
}
