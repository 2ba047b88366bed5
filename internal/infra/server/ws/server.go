// Package ws serves the relay's websocket endpoint and delivers snapshots to connected clients.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/bulios/stocks/errs"
	"github.com/bulios/stocks/internal/app/relay"
	"github.com/bulios/stocks/internal/infra/telemetry"
)

const (
	component = "server/ws"

	stateOpened       = "opened"
	stateClosed       = "closed"
	stateDisconnected = "disconnected"
)

// Handler receives connection lifecycle callbacks.
type Handler interface {
	Open(id string)
	HandleMessage(ctx context.Context, id string, payload string) relay.Delta
	Close(id string) bool
	Disconnect(id string) bool
}

// Options tunes the websocket endpoint.
type Options struct {
	ReadLimit          int64
	SendBuffer         int
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	OriginPatterns     []string
	InsecureSkipVerify bool
	Logger             *log.Logger
	Meter              metric.Meter
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 16
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Meter == nil {
		o.Meter = otel.Meter("relay.ws")
	}
	return o
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) stop() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Server accepts websocket clients and implements relay.Pusher.
type Server struct {
	opts   Options
	logger *log.Logger

	mu       sync.RWMutex
	handler  Handler
	clients  map[string]*client
	closing  bool
	sessions sync.WaitGroup

	connections metric.Int64Counter
	dropped     metric.Int64Counter
}

// NewServer constructs a websocket server. A handler must be attached before clients are accepted.
func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	connections, _ := opts.Meter.Int64Counter("relay_ws_connections",
		metric.WithDescription("Websocket connection lifecycle transitions"),
		metric.WithUnit("{connection}"))
	dropped, _ := opts.Meter.Int64Counter("relay_ws_dropped_messages",
		metric.WithDescription("Snapshots dropped because a client send buffer was full"),
		metric.WithUnit("{message}"))
	return &Server{
		opts:        opts,
		logger:      opts.Logger,
		mu:          sync.RWMutex{},
		handler:     nil,
		clients:     make(map[string]*client),
		closing:     false,
		sessions:    sync.WaitGroup{},
		connections: connections,
		dropped:     dropped,
	}
}

// Attach sets the handler receiving connection callbacks.
func (s *Server) Attach(handler Handler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Len returns the number of connected clients.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Push enqueues payload for delivery to id without blocking.
func (s *Server) Push(id string, payload []byte) error {
	s.mu.RLock()
	c, ok := s.clients[id]
	s.mu.RUnlock()
	if !ok {
		return errs.New(component, errs.CodeNotFound, errs.WithMessage("unknown connection "+id))
	}
	select {
	case <-c.done:
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("connection "+id+" closing"))
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		if s.dropped != nil {
			s.dropped.Add(context.Background(), 1)
		}
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("send buffer full for "+id))
	}
}

// ServeHTTP upgrades the request and runs the connection until either side closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	handler := s.handler
	closing := s.closing
	s.mu.RUnlock()
	if handler == nil || closing {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.opts.InsecureSkipVerify,
		OriginPatterns:     s.opts.OriginPatterns,
	})
	if err != nil {
		s.logger.Printf("ws: accept: %v", err)
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	c := &client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, s.opts.SendBuffer),
		done:      make(chan struct{}),
		closeOnce: sync.Once{},
	}
	if !s.register(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.sessions.Done()

	handler.Open(c.id)
	s.recordConnection(stateOpened)

	ctx, cancel := context.WithCancel(r.Context())
	var wg conc.WaitGroup
	wg.Go(func() {
		s.writeLoop(ctx, c)
		cancel()
	})
	clean := s.readLoop(ctx, handler, c)
	cancel()
	c.stop()
	wg.Wait()

	s.unregister(c.id)
	if clean {
		handler.Close(c.id)
		s.recordConnection(stateClosed)
	} else {
		handler.Disconnect(c.id)
		s.recordConnection(stateDisconnected)
	}
	_ = conn.CloseNow()
}

// readLoop feeds text frames to the handler in arrival order. It reports whether the peer closed cleanly.
func (s *Server) readLoop(ctx context.Context, handler Handler, c *client) bool {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return true
			}
			if !errors.Is(err, context.Canceled) {
				s.logger.Printf("ws: read %s: %v", c.id, err)
			}
			return false
		}
		if typ != websocket.MessageText {
			s.logger.Printf("ws: ignoring binary frame from %s", c.id)
			continue
		}
		handler.HandleMessage(ctx, c.id, string(data))
	}
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case payload := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				s.logger.Printf("ws: write %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Printf("ws: ping %s: %v", c.id, err)
				return
			}
		}
	}
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.clients[c.id] = c
	s.sessions.Add(1)
	return true
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// Shutdown stops accepting clients, sends a going-away close to every open connection and waits for
// their handlers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	open := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()

	p := pool.New().WithMaxGoroutines(8)
	for _, c := range open {
		c := c
		p.Go(func() {
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		})
	}
	p.Wait()

	finished := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		for _, c := range open {
			_ = c.conn.CloseNow()
		}
		return ctx.Err()
	}
}

func (s *Server) recordConnection(state string) {
	if s.connections == nil {
		return
	}
	s.connections.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), state)...))
}
