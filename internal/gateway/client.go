package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	outQueueSize = 64
)

// client is one websocket connection and its topic subscriptions. The
// subscriber id on the bus is the client id, so dropping the client
// clears every subscription at once.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	out chan *protocol.Frame
}

func newClient(conn *websocket.Conn, s *Server) *client {
	return &client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		out:    make(chan *protocol.Frame, outQueueSize),
	}
}

// run pumps the connection until either loop fails or ctx ends.
func (c *client) run(ctx context.Context) {
	c.send(&protocol.Frame{
		Type:    protocol.FrameHello,
		Payload: mustJSON(map[string]any{"protocol": protocol.ProtocolVersion}),
		TS:      time.Now().UnixMilli(),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.readLoop(ctx) })
	if err := g.Wait(); err != nil && websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
		c.server.logger.Debug("gateway.client_error", "id", c.id, "error", err)
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *client) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError("malformed frame")
			continue
		}

		switch f.Type {
		case protocol.FrameSubscribe:
			c.subscribe(f.Topic)
		case protocol.FrameUnsubscribe:
			c.unsubscribe(f.Topic)
		case protocol.FramePermissionResponse:
			var resp protocol.PermissionResponse
			if err := json.Unmarshal(f.Payload, &resp); err != nil {
				c.sendError("malformed permission_response payload")
				continue
			}
			go c.server.routePermission(resp, c)
		default:
			c.sendError("unknown frame type " + f.Type)
		}
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.out:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (c *client) subscribe(topic string) {
	if topic == "" {
		c.sendError("subscribe needs a topic")
		return
	}
	c.server.bus.Subscribe(topic, c.id, func(ev bus.Event) {
		frame, err := protocol.NewEventFrame(ev.Topic, ev.Name, ev.Payload)
		if err != nil {
			return
		}
		c.send(frame)
	})
	c.server.logger.Debug("gateway.subscribed", "id", c.id, "topic", topic)
}

func (c *client) unsubscribe(topic string) {
	if topic == "" {
		return
	}
	c.server.bus.Unsubscribe(topic, c.id)
	c.server.logger.Debug("gateway.unsubscribed", "id", c.id, "topic", topic)
}

// send enqueues a frame without blocking. A slow client loses frames
// rather than stalling the bus.
func (c *client) send(f *protocol.Frame) {
	select {
	case c.out <- f:
	default:
		c.server.logger.Warn("gateway.frame_dropped", "id", c.id, "type", f.Type)
	}
}

func (c *client) sendError(msg string) {
	c.send(&protocol.Frame{
		Type:  protocol.FrameError,
		Error: msg,
		TS:    time.Now().UnixMilli(),
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
