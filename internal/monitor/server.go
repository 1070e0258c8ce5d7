package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"bootbus/internal/logging"
	"bootbus/internal/metrics"
	"bootbus/internal/proto"
)

// Server accepts TCP observer connections and streams every frame fed to
// it via Publish out to all connected clients. It never blocks the
// caller of Publish: fan-out happens through the Hub's buffered,
// drop-on-backpressure channels.
type Server struct {
	mu   sync.RWMutex
	addr string
	hub  *Hub

	flushInterval    time.Duration
	batchSize        int
	handshakeTimeout time.Duration
	maxClients       int

	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error
	listener  net.Listener

	clientsMu sync.Mutex
	clients   map[*Client]net.Conn

	wg     sync.WaitGroup
	logger *slog.Logger

	nextConnID    uint64
	totalAccepted atomic.Uint64
}

const (
	defaultFlushInterval    = 20 * time.Millisecond
	defaultBatchSize        = 32
	defaultHandshakeTimeout = 3 * time.Second
)

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// NewServer builds a Server with default pacing, applying opts in order.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		hub:              New(),
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Addr returns the listener's bound address, valid after Serve starts
// listening.
func (s *Server) Addr() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }

// Ready closes once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Publish fans rec out to every connected client. Safe to call from the
// bus's reader goroutine; never blocks on a slow client.
func (s *Server) Publish(rec proto.ReceiveRecord) {
	s.hub.Broadcast(rec)
}

func (s *Server) setError(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve accepts connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.listener = ln
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("monitor_listen", "addr", s.Addr())

	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if err := Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		connLogger.Warn("monitor_handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	if s.maxClients > 0 && s.hub.Count() >= s.maxClients {
		connLogger.Warn("monitor_client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}

	cl := &Client{Out: make(chan proto.ReceiveRecord, 512), Closed: make(chan struct{})}
	s.hub.Add(cl)
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	connLogger.Info("monitor_client_connected")
	s.startWriter(ctx.Done(), conn, cl, connLogger)
	return nil
}

func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.hub.Remove(cl)
			s.clientsMu.Lock()
			delete(s.clients, cl)
			s.clientsMu.Unlock()
			logger.Info("monitor_client_disconnected")
		}()

		codec := &Codec{}
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]proto.ReceiveRecord, 0, s.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			_, err := codec.EncodeTo(conn, batch)
			batch = batch[:0]
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				return wrap
			}
			return nil
		}
		for {
			select {
			case rec := <-cl.Out:
				batch = append(batch, rec)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}

// Shutdown closes the listener and every client connection, then waits for
// writer goroutines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("monitor_shutdown", "accepted", s.totalAccepted.Load())
		return nil
	}
}
