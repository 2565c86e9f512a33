// Package transport implements the realtime side of §6.2: a gorilla
// websocket connection per client, split into an inbound read loop and an
// outbound write loop so a slow reader never blocks the session's fan-out.
// Grounded in the teacher's eventsync.WebSocketClient (read loop decodes and
// dispatches, a mutex-guarded write path, Close tears down both), adapted
// from its single-mutex synchronous send to a buffered channel so
// Client.Send can report backpressure instead of blocking.
package transport

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notecollab/internal/apperr"
	"notecollab/internal/proto"
	"notecollab/internal/registry"
)

// Client owns one websocket connection and is the sole reader/writer of its
// frames, satisfying docsession.Client.
type Client struct {
	id         string
	userID     string
	documentID string
	conn       *websocket.Conn
	registry   *registry.DocRegistry
	logger     *zap.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id, userID, documentID string, conn *websocket.Conn, reg *registry.DocRegistry, logger *zap.Logger, outboundBuffer int, pingInterval, pongTimeout time.Duration) *Client {
	return &Client{
		id:           id,
		userID:       userID,
		documentID:   documentID,
		conn:         conn,
		registry:     reg,
		logger:       logger,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		outbound:     make(chan []byte, outboundBuffer),
		done:         make(chan struct{}),
	}
}

// ClientID identifies this connection within its session.
func (c *Client) ClientID() string { return c.id }

// Send queues a frame for the write loop. It never blocks: if the outbound
// buffer is full it reports false, and the session closes the client with
// BackpressureExceeded (§4.4).
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// Close tears down the connection exactly once, regardless of which goroutine
// (read loop, write loop, or the session's serial lane) calls it.
func (c *Client) Close(kind apperr.Kind) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(kind.CloseCode(), string(kind))
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

// run blocks until the connection closes, driving the write loop in a
// separate goroutine and the read loop in the caller's goroutine (the HTTP
// handler's own goroutine, per net/http's one-goroutine-per-request model).
func (c *Client) run() {
	c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop()
	c.registry.Detach(c.documentID, c)
	c.Close(apperr.KindFatal)
	wg.Wait()
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.Close(apperr.KindTransient)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(apperr.KindPongTimeout)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.String("clientId", c.id), zap.Error(err))
			}
			return
		}

		kind, payload, derr := proto.Decode(msg)
		if derr != nil {
			c.logger.Debug("malformed frame", zap.String("clientId", c.id), zap.Error(derr))
			c.Close(apperr.KindProtocolError)
			return
		}
		c.registry.Dispatch(c.documentID, c, kind, payload)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

var clientSeq atomic.Uint64

func nextClientID() string {
	return "c-" + strconv.FormatUint(clientSeq.Add(1), 10)
}
