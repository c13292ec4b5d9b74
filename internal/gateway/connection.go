package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/outbound"
	"github.com/agentgate/agentgate/pkg/protocol"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// how long a producer may block on a full outbound queue before the
	// connection is treated as a slow consumer, when not configured
	defaultEnqueueWait = 5 * time.Second
)

// Connection is one accepted WebSocket. The outbound channel owns all normal
// egress; writeFrame serialises raw socket access between the channel's
// writer goroutine and the ping ticker.
type Connection struct {
	ID          string
	ws          *websocket.Conn
	gw          *Gateway
	channel     *outbound.Channel
	log         *logger.Logger
	enqueueWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConnection(id string, ws *websocket.Conn, gw *Gateway) *Connection {
	c := &Connection{
		ID:          id,
		ws:          ws,
		gw:          gw,
		log:         gw.log.WithConnectionID(id),
		enqueueWait: gw.cfg.Outbound.EnqueueWait(),
	}
	if c.enqueueWait <= 0 {
		c.enqueueWait = defaultEnqueueWait
	}
	c.channel = outbound.New(id, outbound.Options{
		QueueCapacity:  gw.cfg.Outbound.QueueCapacity,
		CoalesceWindow: gw.cfg.Outbound.CoalesceWindow(),
		HistorySize:    gw.cfg.Session.HistoryRingSize,
	}, c.writeFrame, gw.log)
	c.channel.SetOnEmit(gw.onEmit(c))
	c.channel.SetOnWriteError(func(error) {
		c.ws.Close()
	})
	return c
}

// writeFrame writes one text frame. Called from the channel writer and, for
// control frames, the ping loop.
func (c *Connection) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// pingLoop keeps the socket alive; a failed ping closes the connection.
func (c *Connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.ws.Close()
				return
			}
		}
	}
}

// readPump reads frames until the socket closes. Malformed frames answer
// system.error and the loop continues; read errors end the connection.
func (c *Connection) readPump(ctx context.Context) {
	maxFrame := c.gw.cfg.Server.MaxInboundFrameBytes
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameBytes
	}
	// the hard socket cutoff sits above the protocol cap so oversized frames
	// get an invalid_frame reply instead of an abrupt close
	c.ws.SetReadLimit(2 * int64(maxFrame))
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		evt, werr := protocol.Decode(data, maxFrame)
		if werr != nil {
			c.enqueue(ctx, protocol.SystemError(werr))
			continue
		}
		if werr := protocol.ValidateInbound(evt); werr != nil {
			c.enqueue(ctx, protocol.SystemError(werr))
			continue
		}
		c.gw.dispatch(ctx, c, evt)
	}
}

// enqueue pushes one event into the outbound channel, bounding the wait.
// Queue exhaustion on a non-droppable event is connection-fatal.
func (c *Connection) enqueue(ctx context.Context, evt *protocol.Event) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.enqueueWait)
	defer cancel()
	err := c.channel.Enqueue(waitCtx, evt)
	if errors.Is(err, outbound.ErrQueueFull) {
		c.closeSlowConsumer()
	}
	return err
}

// enqueueReplay pushes a replayed event verbatim, bypassing coalescing.
func (c *Connection) enqueueReplay(ctx context.Context, evt *protocol.Event) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.enqueueWait)
	defer cancel()
	err := c.channel.EnqueueReplay(waitCtx, evt)
	if errors.Is(err, outbound.ErrQueueFull) {
		c.closeSlowConsumer()
	}
	return err
}

// closeSlowConsumer writes a best-effort system.error directly to the socket
// (the queue is full, so the normal path is unavailable) and closes it.
func (c *Connection) closeSlowConsumer() {
	c.closeOnce.Do(func() {
		c.log.Warn("closing slow consumer")
		werr := protocol.NewWireError(protocol.ErrSlowConsumer, "outbound queue full")
		if data, err := protocol.Encode(protocol.SystemError(werr)); err == nil {
			c.writeFrame(data)
		}
		c.ws.Close()
	})
}
