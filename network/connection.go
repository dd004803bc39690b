package network

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionOptions controls runtime behavior of Connection.
type ConnectionOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	// SendTimeout is how long Send waits on a full queue before the client
	// is treated as stalled.
	SendTimeout time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}

// Connection wraps one websocket. Reads happen on the caller's goroutine;
// writes go through a bounded queue drained by a single writer, which also
// sends keep-alive pings.
type Connection struct {
	ws *websocket.Conn

	send chan []byte

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	writeTimeout      time.Duration
	sendTimeout       time.Duration

	lastActivity atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	writerWG  sync.WaitGroup

	errMu    sync.RWMutex
	closeErr error
}

func newConnection(ws *websocket.Conn, options ConnectionOptions) *Connection {
	opts := options.withDefaults()

	c := &Connection{
		ws:                ws,
		send:              make(chan []byte, opts.SendBuffer),
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		writeTimeout:      opts.WriteTimeout,
		sendTimeout:       opts.SendTimeout,
		closed:            make(chan struct{}),
	}

	ws.SetReadLimit(MaxFrameSize)
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	c.writerWG.Add(1)
	go c.writeLoop()
	return c
}

// Done is closed when the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// LastActivity reports when a frame or pong last arrived.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Send enqueues payload for delivery. If the queue stays full for the send
// timeout the client is not keeping up, and the connection is closed.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return io.EOF
	case <-timer.C:
		c.closeWithError(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

// ReadMessage blocks for the next text or binary frame. A connection that
// stays silent past the keep-alive interval plus timeout fails the read.
func (c *Connection) ReadMessage() ([]byte, error) {
	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.closeWithError(readError(err))
			return nil, err
		}
		c.extendReadDeadline()
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return payload, nil
	}
}

// Close sends a normal close frame and terminates the connection.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Connection) extendReadDeadline() {
	c.lastActivity.Store(time.Now().UnixNano())
	_ = c.ws.SetReadDeadline(time.Now().Add(c.keepAliveInterval + c.keepAliveTimeout))
}

func (c *Connection) writeLoop() {
	defer c.writerWG.Done()

	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.closeWithError(err)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.closeWithError(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.closeWithError(err)
				return
			}
		}
	}
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		close(c.closed)

		code := websocket.CloseNormalClosure
		reason := ""
		switch {
		case errors.Is(err, ErrSlowConsumer):
			code = websocket.ClosePolicyViolation
			reason = "send buffer full"
		case errors.Is(err, ErrBroadcastDropped):
			code = websocket.CloseTryAgainLater
			reason = "broadcast subscription dropped"
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
		_ = c.ws.Close()
	})
}

// readError maps orderly closes to nil so LastError only reports failures.
func readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
