package bus

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/tensorpool/tensorpool/tperr"
	"github.com/tensorpool/tensorpool/tplog"
)

// Server is the Bus side that accepts loopback websocket connections and
// relays published envelopes to every other connection subscribed to the
// same channel. It is the concrete default transport behind every
// control/announce/qos channel spec.md §6 names (promoted from the
// teacher's exchange-feed client dependency, nhooyr.io/websocket, to the
// bus's own substrate per SPEC_FULL §4.12).
type Server struct {
	log      *tplog.Logger
	listener net.Listener
	httpSrv  *http.Server

	mu   sync.Mutex
	subs map[*websocket.Conn]map[string]bool

	incoming chan envelope
}

// Local starts a loopback websocket listener on addr (e.g. "127.0.0.1:0")
// and returns a Server driving it. Use Server.Addr to discover the bound
// port when addr requests an ephemeral one.
func Local(addr string, logger *tplog.Logger) (*Server, error) {
	if logger == nil {
		logger = tplog.Discard()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, tperr.Wrap(tperr.Internal, err, "listen on %s", addr)
	}
	s := &Server{
		log:      logger,
		listener: ln,
		subs:     make(map[*websocket.Conn]map[string]bool),
		incoming: make(chan envelope, 256),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConn)
	s.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("bus: serve failed: %v", err)
		}
	}()
	return s, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warnf("bus: accept failed: %v", err)
		return
	}
	s.mu.Lock()
	s.subs[conn] = make(map[string]bool)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		kind, payload, err := decodeFrame(data)
		if err != nil {
			s.log.Warnf("bus: dropping malformed frame: %v", err)
			continue
		}
		switch kind {
		case kindSubscribe:
			s.mu.Lock()
			s.subs[conn][string(payload)] = true
			s.mu.Unlock()
		case kindData:
			env, err := decodeEnvelope(payload)
			if err != nil {
				s.log.Warnf("bus: dropping malformed envelope: %v", err)
				continue
			}
			s.broadcast(ctx, conn, env)
		}
	}
}

func (s *Server) broadcast(ctx context.Context, from *websocket.Conn, env envelope) {
	s.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(s.subs))
	for conn, channels := range s.subs {
		if conn == from {
			continue
		}
		if channels[env.channel] {
			targets = append(targets, conn)
		}
	}
	s.mu.Unlock()

	data := encodeFrame(kindData, encodeEnvelope(env))
	for _, conn := range targets {
		if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
			s.log.Warnf("bus: write to subscriber failed: %v", err)
		}
	}
}

// Close shuts the listener and every accepted connection down.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.subs))
	for conn := range s.subs {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "server closing")
	}
	return s.httpSrv.Close()
}

// Client is the Bus implementation clients (producers, consumers,
// drivers, supervisors) dial against a Server. It buffers received
// envelopes for Poll and reconnects on DoWork when its connection has
// dropped, grounded on feeder/ipc.Publisher's dial-on-demand,
// mutex-guarded reconnect idiom.
type Client struct {
	log *tplog.Logger
	url string

	mu          sync.Mutex
	conn        *websocket.Conn
	subscribed  map[string]bool
	pending     []envelope
	lastAttempt time.Time
}

// Dial connects to a Server's websocket endpoint at url
// ("ws://127.0.0.1:<port>/"). A dial failure is not fatal: the returned
// Client retries on the next DoWork call, matching the teacher's
// best-effort constructor.
func Dial(ctx context.Context, url string, logger *tplog.Logger) (*Client, error) {
	if logger == nil {
		logger = tplog.Discard()
	}
	c := &Client{log: logger, url: url, subscribed: make(map[string]bool)}
	c.tryConnect(ctx)
	return c, nil
}

func (c *Client) tryConnect(ctx context.Context) {
	c.lastAttempt = time.Now()
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		c.log.Warnf("bus: dial %s failed: %v", c.url, err)
		return
	}
	c.conn = conn
	c.log.Infof("bus: connected to %s", c.url)
	for channel := range c.subscribed {
		_ = conn.Write(ctx, websocket.MessageBinary, encodeFrame(kindSubscribe, []byte(channel)))
	}
}

func (c *Client) Publish(ctx context.Context, channel string, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return tperr.New(tperr.Internal, "bus client not connected to %s", c.url)
	}
	data := encodeFrame(kindData, encodeEnvelope(envelope{channel: channel, frame: frame}))
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		c.conn = nil
		return tperr.Wrap(tperr.Internal, err, "publish to %s", channel)
	}
	return nil
}

func (c *Client) Subscribe(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[channel] = true
	if c.conn != nil {
		return c.conn.Write(context.Background(), websocket.MessageBinary, encodeFrame(kindSubscribe, []byte(channel)))
	}
	return nil
}

func (c *Client) Poll() (channel string, frame []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return "", nil, false
	}
	env := c.pending[0]
	c.pending = c.pending[1:]
	return env.channel, env.frame, true
}

// DoWork reconnects if disconnected (at most once per 500ms) and reads at
// most one message, waiting no longer than 10ms (or until ctx ends); a
// received data envelope is queued for Poll.
func (c *Client) DoWork(ctx context.Context) error {
	c.mu.Lock()
	if c.conn == nil {
		if time.Since(c.lastAttempt) >= 500*time.Millisecond {
			c.mu.Unlock()
			c.tryConnect(ctx)
			c.mu.Lock()
		}
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		if readCtx.Err() != nil {
			return nil // no data ready within this call's budget; not an error
		}
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		return nil
	}
	kind, payload, err := decodeFrame(data)
	if err != nil {
		c.log.Warnf("bus: dropping malformed frame: %v", err)
		return nil
	}
	if kind != kindData {
		return nil
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		c.log.Warnf("bus: dropping malformed envelope: %v", err)
		return nil
	}
	c.mu.Lock()
	c.pending = append(c.pending, env)
	c.mu.Unlock()
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	return err
}

var _ Bus = (*Client)(nil)
