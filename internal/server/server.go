// Package server accepts websocket connections and runs streaming jobs on
// them one at a time.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/session"
)

// Server upgrades HTTP requests on the configured path and drives one
// request loop per connection.
type Server struct {
	cfg      config.ServerConfig
	runner   *session.Runner
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

func New(parent context.Context, cfg config.ServerConfig, runner *session.Runner, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		cfg:    cfg,
		runner: runner,
		upgrader: websocket.Upgrader{
			EnableCompression: cfg.Compression,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "server")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler routes the configured path to the websocket endpoint.
func (s *Server) Handler() http.Handler {
	path := s.cfg.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, s)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		return
	}
	s.wg.Add(1)
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		s.wg.Done()
	}()
	s.serveConn(ws, r.RemoteAddr)
}

// Close stops accepting jobs, closes every connection and waits for their
// loops to exit.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) Healthy() bool { return s.ctx.Err() == nil }

// Active reports the number of open connections.
func (s *Server) Active() int { return int(s.active.Load()) }

func (s *Server) serveConn(ws *websocket.Conn, remote string) {
	log := s.logger.With(slog.String("remote", remote))
	log.Info("client connected")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	defer ws.Close()
	conn := newWSConn(ws, s.cfg.WriteTimeout(), s.cfg.MaxMessageBytes, cancel)
	ws.EnableWriteCompression(s.cfg.Compression)
	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	idle := s.cfg.PingInterval() + s.cfg.PingTimeout()
	extend := func() {
		if s.cfg.PingInterval() > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(idle))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	capacity := max(s.cfg.MaxPendingRequests, 1)
	requests := make(chan []byte, capacity)
	readerDone := make(chan struct{})
	go s.readLoop(ctx, conn, requests, readerDone, extend, log)

	if s.cfg.PingInterval() > 0 {
		go s.pingLoop(ctx, conn, log)
	}

	for {
		select {
		case <-ctx.Done():
			if !conn.closed() {
				conn.shutdown(websocket.CloseGoingAway, "server shutting down", s.cfg.CloseTimeout(), readerDone)
			}
			<-readerDone
			log.Info("client disconnected")
			return
		case data := <-requests:
			s.handleRequest(ctx, conn, remote, data, log)
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, conn *wsConn, remote string, data []byte, log *slog.Logger) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		log.Warn("malformed request", slog.String("error", err.Error()))
		_ = conn.SendJSON(ctx, protocol.Error{Error: err.Error()})
		return
	}
	res := s.runner.Run(ctx, conn, remote, req)
	if errors.Is(res.Err, session.ErrTransport) && conn.closed() {
		log.Info("connection lost during session", slog.String("session_id", res.ID), slog.Int("sent", res.Sent))
	}
}

// readLoop keeps reading while a job runs so pongs and close frames are
// processed. Requests beyond the pending capacity are refused.
func (s *Server) readLoop(ctx context.Context, conn *wsConn, requests chan<- []byte, done chan<- struct{}, extend func(), log *slog.Logger) {
	defer close(done)
	defer conn.markClosed()
	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Debug("read failed", slog.String("error", err.Error()))
			}
			return
		}
		extend()
		if messageType != websocket.TextMessage {
			_ = conn.SendJSON(ctx, protocol.Error{Error: "requests must be text messages"})
			continue
		}
		select {
		case requests <- data:
		default:
			_ = conn.SendJSON(ctx, protocol.Error{Error: "too many pending requests"})
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *wsConn, log *slog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				log.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
