package peer

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Handler turns one inbound payload into the reply line written back to the peer.
type Handler interface {
	HandleInbound(ctx context.Context, payload []byte) string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) string

func (f HandlerFunc) HandleInbound(ctx context.Context, payload []byte) string {
	return f(ctx, payload)
}

// AdmitFunc decides whether a connection from remoteHost may be served.
type AdmitFunc func(ctx context.Context, remoteHost string) bool

// ServerConfig holds the tunables of the inbound listener.
type ServerConfig struct {
	MaxConcurrent int
	IOTimeout     time.Duration
	MaxFrameBytes int
	Admit         AdmitFunc

	// Busy and RateLimited are the reply lines written to refused connections.
	Busy        string
	RateLimited string
	Malformed   string
}

// Server accepts framed transfer messages and answers each with one reply line.
type Server struct {
	handler Handler
	cfg     ServerConfig
	slots   *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	inflight sync.WaitGroup
}

var ErrServerClosed = errors.New("peer: server closed")

func NewServer(handler Handler, cfg ServerConfig) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 10 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.Busy == "" {
		cfg.Busy = "NACK: server busy"
	}
	if cfg.RateLimited == "" {
		cfg.RateLimited = "NACK: rate limited"
	}
	if cfg.Malformed == "" {
		cfg.Malformed = "NACK: malformed message"
	}
	return &Server{
		handler: handler,
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// ListenTLS opens a TLS listener presenting the given certificate pair.
func ListenTLS(addr, certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	log.Printf("level=info component=peer_server msg=\"listening\" addr=%s max_concurrent=%d", ln.Addr(), s.cfg.MaxConcurrent)

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				log.Printf("level=warn component=peer_server msg=\"accept error, retrying\" delay=%s err=%v", tempDelay, err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		if !s.slots.TryAcquire(1) {
			log.Printf("level=warn component=peer_server msg=\"rejecting connection\" reason=busy remote=%s", conn.RemoteAddr())
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.refuse(conn, s.cfg.Busy)
			}()
			continue
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer s.slots.Release(1)
			s.serveConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight handlers or ctx expiry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// refuse consumes the pending frame before answering so the peer never sees a reset
// ahead of the reply line.
func (s *Server) refuse(conn net.Conn, reply string) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout))
	_, _ = ReadFrame(bufio.NewReader(conn), s.cfg.MaxFrameBytes)
	_ = WriteFrame(conn, []byte(reply))
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	if s.cfg.Admit != nil {
		host, _, err := net.SplitHostPort(remote)
		if err != nil {
			host = remote
		}
		if !s.cfg.Admit(ctx, host) {
			log.Printf("level=warn component=peer_server msg=\"rejecting connection\" reason=rate_limited remote=%s", remote)
			s.refuse(conn, s.cfg.RateLimited)
			return
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout)); err != nil {
		log.Printf("level=warn component=peer_server msg=\"failed to set read deadline\" remote=%s err=%v", remote, err)
		return
	}

	payload, err := ReadFrame(bufio.NewReader(conn), s.cfg.MaxFrameBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		log.Printf("level=warn component=peer_server msg=\"failed to read frame\" remote=%s err=%v", remote, err)
		if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrEmptyFrame) {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
			_ = WriteFrame(conn, []byte(s.cfg.Malformed))
		}
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()
	reply := s.handler.HandleInbound(handlerCtx, payload)

	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout)); err != nil {
		return
	}
	if err := WriteFrame(conn, []byte(reply)); err != nil {
		log.Printf("level=warn component=peer_server msg=\"failed to write reply\" remote=%s err=%v", remote, err)
		return
	}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		_ = tlsConn.CloseWrite()
	}
}
