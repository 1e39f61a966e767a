// Package gateway bridges a candle Session to WebSocket clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roffe/gocandle"
	"golang.org/x/sync/errgroup"
)

// Session is the part of *candle.Session the gateway uses.
type Session interface {
	Subscribe(identifiers ...uint32) *candle.Subscriber
	Send(f *candle.Frame) (*candle.Frame, error)
}

type Options struct {
	// Identifiers limits the forwarded data frames. Faults always pass.
	Identifiers  []uint32
	WriteTimeout time.Duration

	// CheckOrigin is handed to the websocket upgrader, nil allows same
	// origin only.
	CheckOrigin func(r *http.Request) bool

	// Idle forwards the receive timeout faults of a quiet bus.
	Idle      bool
	OnMessage func(string)
}

const (
	DefaultWriteTimeout = 5 * time.Second
	outQueueSize        = 16
)

type Gateway struct {
	session  Session
	opts     Options
	upgrader websocket.Upgrader
}

func New(session Session, opts *Options) *Gateway {
	g := &Gateway{session: session}
	if opts != nil {
		g.opts = *opts
	}
	if g.opts.WriteTimeout <= 0 {
		g.opts.WriteTimeout = DefaultWriteTimeout
	}
	if g.opts.OnMessage == nil {
		g.opts.OnMessage = func(msg string) { log.Println(msg) }
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.opts.CheckOrigin,
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered the request
		g.opts.OnMessage(fmt.Sprintf("websocket upgrade from %s: %v", r.RemoteAddr, err))
		return
	}
	defer conn.Close()

	sub := g.session.Subscribe(g.opts.Identifiers...)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errg, ctx := errgroup.WithContext(ctx)
	out := make(chan Message, outQueueSize)

	errg.Go(func() error {
		defer cancel()
		return g.readPump(ctx, conn, out)
	})
	errg.Go(func() error {
		defer cancel()
		return g.writePump(ctx, conn, sub, out)
	})
	errg.Go(func() error {
		<-ctx.Done()
		// unblocks a pending ReadMessage
		conn.Close()
		return nil
	})

	if err := errg.Wait(); err != nil {
		g.opts.OnMessage(fmt.Sprintf("client %s: %v", r.RemoteAddr, err))
	}
}

// readPump sends every frame request through the session and queues the
// adapter echo, or the error, for the write pump.
func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, out chan<- Message) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		msg := g.handle(data)
		select {
		case out <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *Gateway) handle(data []byte) Message {
	var req Frame
	if err := json.Unmarshal(data, &req); err != nil {
		return Message{Type: TypeError, Error: fmt.Sprintf("invalid request: %v", err)}
	}
	f, err := req.toCandle()
	if err != nil {
		return Message{Type: TypeError, Error: err.Error()}
	}
	echo, err := g.session.Send(f)
	if err != nil {
		return Message{Type: TypeError, Error: err.Error()}
	}
	return Message{Type: TypeEcho, Frame: toFrame(echo)}
}

func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, sub *candle.Subscriber, out <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-out:
			if err := g.write(conn, msg); err != nil {
				return err
			}
		case ev, ok := <-sub.Chan():
			if !ok {
				deadline := time.Now().Add(g.opts.WriteTimeout)
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
				if err := conn.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
					return fmt.Errorf("write close: %w", err)
				}
				return nil
			}
			if !g.opts.Idle && ev.Type == candle.EventTypeFault && errors.Is(ev.Err, candle.ErrReceiveTimeout) {
				continue
			}
			if err := g.write(conn, toMessage(ev)); err != nil {
				return err
			}
		}
	}
}

func (g *Gateway) write(conn *websocket.Conn, msg Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
