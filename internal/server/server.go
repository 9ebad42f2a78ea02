package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/xtrntr/stocksim/internal/api"
	"go.uber.org/zap"
)

// ErrServerClosed is returned by Serve after Shutdown
var ErrServerClosed = errors.New("server: closed")

const (
	defaultPoolSize     = 1024
	defaultMaxLineBytes = 64 * 1024
	writeTimeout        = 10 * time.Second
)

// Handler answers one raw request line
type Handler interface {
	Handle(ctx context.Context, raw []byte) api.Response
}

// Option configures a Server
type Option func(*Server)

// WithPoolSize bounds the number of connections served at once
func WithPoolSize(n int) Option {
	return func(s *Server) { s.poolSize = n }
}

// WithMaxLineBytes bounds the size of one request line
func WithMaxLineBytes(n int) Option {
	return func(s *Server) { s.maxLine = n }
}

// WithIdleTimeout closes connections that send nothing for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idle = d }
}

// WithLogger sets the server logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server accepts TCP connections and answers newline-delimited JSON requests,
// one reply line per request line. Connections run on an ants worker pool.
type Server struct {
	handler  Handler
	log      *zap.Logger
	pool     *ants.Pool
	poolSize int
	maxLine  int
	idle     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closing   bool
}

// New creates a server dispatching every request line to handler
func New(handler Handler, opts ...Option) (*Server, error) {
	s := &Server{
		handler:   handler,
		log:       zap.NewNop(),
		poolSize:  defaultPoolSize,
		maxLine:   defaultMaxLineBytes,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	pool, err := ants.NewPool(s.poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	s.pool = pool
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// ListenAndServe listens on addr and serves until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown, then returns ErrServerClosed
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(l, false)

	s.log.Info("trading server listening", zap.String("address", l.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		backoff = 0

		if !s.trackConn(conn, true) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		if err := s.pool.Submit(func() { s.serveConn(conn) }); err != nil {
			s.log.Error("failed to schedule connection", zap.Error(err))
			s.trackConn(conn, false)
			conn.Close()
			s.wg.Done()
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// Shutdown stops accepting, lets in-flight requests finish and closes every
// connection. It returns ctx.Err() if ctx ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for l := range s.listeners {
		l.Close()
	}
	// Unblock pending reads; a request being handled still gets its reply.
	for c := range s.conns {
		_ = c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}
	s.cancel()
	s.pool.Release()
	return err
}

// Connections returns the number of open client connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing {
			return false
		}
		s.listeners[l] = struct{}{}
	} else {
		delete(s.listeners, l)
	}
	return true
}

func (s *Server) trackConn(c net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing {
			return false
		}
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	return true
}

// serveConn reads request lines until the client leaves, the connection
// idles out or the server shuts down
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	remote := conn.RemoteAddr().String()
	log := s.log.With(zap.String("remote", remote))
	log.Debug("client connected")
	defer func() {
		s.trackConn(conn, false)
		conn.Close()
		log.Debug("client disconnected")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, s.maxLine)), s.maxLine)
	w := bufio.NewWriter(conn)

	for {
		if s.idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idle))
		}
		// Checked after the deadline is set so Shutdown's deadline wins.
		if s.shuttingDown() || !scanner.Scan() {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		resp := s.handler.Handle(ctx, line)
		if err := s.reply(conn, w, resp); err != nil {
			log.Debug("failed to write reply", zap.Error(err))
			return
		}
	}

	switch err := scanner.Err(); {
	case err == nil:
	case errors.Is(err, bufio.ErrTooLong):
		log.Warn("request line too long, closing connection", zap.Int("max_bytes", s.maxLine))
		_ = s.reply(conn, w, api.Response{"error": "Request too large"})
	case s.shuttingDown():
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			log.Debug("client idle, closing connection")
			return
		}
		log.Debug("read failed", zap.Error(err))
	}
}

func (s *Server) reply(conn net.Conn, w *bufio.Writer, resp api.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal reply", zap.Error(err))
		data = []byte(`{"success":false,"message":"internal error, please retry"}`)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
