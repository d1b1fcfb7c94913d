package ipc

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/vfs"
)

// Frame is one output frame received by a window.
type Frame struct {
	Seq   uint64
	Image *image.RGBA
}

// Client is the output window side of the channel. It reconnects with
// exponential backoff until its context is done.
type Client struct {
	URL string
	// MaxElapsed bounds one reconnect attempt series; zero retries forever.
	MaxElapsed time.Duration
	Dialer     *websocket.Dialer

	log *zap.Logger
}

func NewClient(url string, log *zap.Logger) *Client {
	return &Client{
		URL:    url,
		Dialer: websocket.DefaultDialer,
		log:    log.With(zap.String("component", "ipc-client")),
	}
}

// Run delivers frames to fn until ctx is done. sizes, when not nil, reports
// window resizes to the engine.
func (c *Client) Run(ctx context.Context, sizes <-chan [2]int, fn func(Frame)) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		err = c.session(ctx, conn, sizes, fn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("connection lost, reconnecting", zap.Error(err))
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		ws, _, err := c.Dialer.DialContext(ctx, c.URL, nil)
		if err != nil {
			return err
		}
		if err := ws.WriteJSON(Envelope{Type: TypeRegister, Channel: Channel, Role: RoleOutput}); err != nil {
			ws.Close()
			return err
		}
		var ack Envelope
		if err := ws.ReadJSON(&ack); err != nil {
			ws.Close()
			return err
		}
		if ack.Type != TypeRegistered {
			ws.Close()
			return backoff.Permanent(fmt.Errorf("unexpected reply %q", ack.Type))
		}
		c.log.Info("registered as output window", zap.String("id", ack.ID))
		conn = ws
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.MaxElapsed
	notify := func(err error, wait time.Duration) {
		c.log.Debug("dial failed, retrying", zap.String("url", c.URL), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.URL, err)
	}
	return conn, nil
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn, sizes <-chan [2]int, fn func(Frame)) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	errs := make(chan error, 1)
	go func() {
		errs <- c.receive(conn, fn)
	}()
	for {
		select {
		case err := <-errs:
			return err
		case sz, ok := <-sizes:
			if !ok {
				sizes = nil
				continue
			}
			if err := conn.WriteJSON(Envelope{Type: TypeResize, Width: sz[0], Height: sz[1]}); err != nil {
				return err
			}
		}
	}
}

func (c *Client) receive(conn *websocket.Conn, fn func(Frame)) error {
	var pending *Envelope
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch typ {
		case websocket.TextMessage:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return fmt.Errorf("bad envelope: %w", err)
			}
			if env.Type == TypeRenderOutput {
				pending = &env
			}
		case websocket.BinaryMessage:
			if pending == nil {
				return errors.New("frame without envelope")
			}
			img, err := vfs.DecodeImage(data)
			if err != nil {
				return err
			}
			fn(Frame{Seq: pending.Seq, Image: img})
			pending = nil
		}
	}
}
