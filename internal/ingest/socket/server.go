package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"boardsync/internal/domain"
	"boardsync/internal/eventlog"
)

// Engine is the board surface peers talk to over the socket protocol.
type Engine interface {
	Publish(context.Context, domain.Event) (uint64, error)
	PublishBatch(context.Context, []domain.Event) (uint64, error)
	ReplayFrom(ctx context.Context, offset uint64, fn func(offset uint64, ev domain.Event) bool) error
	Snapshot(ctx context.Context) (domain.BoardState, uint64)
	NextSequence() uint64
	Health(ctx context.Context) (bool, string)
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	Workers, MaxInflight, GlobalQueueLimit      int
	TLSConfig                                   *tls.Config
}

type Server struct {
	cfg      Config
	engine   Engine
	ln       net.Listener
	addr     atomic.Value
	globalQ  chan struct{}
	workQ    chan queuedRequest
	closed   atomic.Bool
	connWg   sync.WaitGroup
	workerWg sync.WaitGroup

	connMu sync.Mutex
	conns  map[*connection]struct{}
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
	done     chan struct{}
}

func NewServer(cfg Config, engine Engine) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		workQ:   make(chan queuedRequest, cfg.GlobalQueueLimit),
		conns:   map[*connection]struct{}{},
	}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWg.Add(1)
		go s.runWorker()
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops accepting, closes every open connection and waits for their
// loops, then shuts down the worker pool. Connections drain first so nothing
// can send on workQ after it closes.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.c.Close()
	}
	s.connMu.Unlock()
	s.connWg.Wait()
	close(s.workQ)
	s.workerWg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight), done: make(chan struct{})}
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	// A connection racing Close past the listener shutdown still gets torn
	// down here.
	if s.closed.Load() {
		_ = raw.Close()
	}
	s.connWg.Add(2)
	go func() { defer s.connWg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.connWg.Done()
		defer s.forgetConn(conn)
		defer raw.Close()
		defer close(conn.done)
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) forgetConn(conn *connection) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		select {
		case <-conn.done:
			return
		case res := <-conn.writerQ:
			payload, err := MarshalMessage(res)
			if err != nil {
				continue
			}
			if err := WriteFrame(w, payload); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "server queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		select {
		case s.workQ <- qr:
		default:
			qr.release()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "worker queue overloaded"})
		}
	}
}

func (s *Server) runWorker() {
	defer s.workerWg.Done()
	for req := range s.workQ {
		res := s.handleRequest(req.ctx, req.req)
		req.release()
		s.send(req.conn, res)
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.engine.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationPublish:
		return s.handlePublish(ctx, req, res)
	case OperationPublishBatch:
		return s.handlePublishBatch(ctx, req, res)
	case OperationReplay:
		return s.handleReplay(ctx, req, res)
	case OperationSnapshot:
		state, next := s.engine.Snapshot(ctx)
		raw, err := json.Marshal(state)
		if err != nil {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
			return res
		}
		res.Snapshot = &SnapshotResponse{StateJson: raw, NextOffset: next}
	case OperationNextSequence:
		res.NextSequence = &NextSequenceResponse{Sequence: s.engine.NextSequence()}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func (s *Server) handlePublish(ctx context.Context, req *SocketRequest, res *SocketResponse) *SocketResponse {
	if req.Publish == nil || req.Publish.Event == nil {
		return badReq(req, "publish event required")
	}
	offset, err := s.engine.Publish(ctx, toDomain(req.Publish.Event))
	if err != nil {
		res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
		return res
	}
	res.Publish = &PublishResponse{Accepted: true, Offset: offset}
	return res
}

func (s *Server) handlePublishBatch(ctx context.Context, req *SocketRequest, res *SocketResponse) *SocketResponse {
	if req.PublishBatch == nil || len(req.PublishBatch.Events) == 0 {
		return badReq(req, "publish_batch events required")
	}
	events := make([]domain.Event, 0, len(req.PublishBatch.Events))
	for _, e := range req.PublishBatch.Events {
		events = append(events, toDomain(e))
	}
	offset, err := s.engine.PublishBatch(ctx, events)
	if err != nil {
		res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
		return res
	}
	res.Publish = &PublishResponse{Accepted: true, Offset: offset}
	return res
}

// handleReplay serves the retained tail from the requested cursor. A cursor
// below the compaction watermark gets ErrorCodeCompacted; the peer must fall
// back to OperationSnapshot and resume from its NextOffset.
func (s *Server) handleReplay(ctx context.Context, req *SocketRequest, res *SocketResponse) *SocketResponse {
	if req.Replay == nil {
		return badReq(req, "replay query required")
	}
	out := &ReplayResponse{NextOffset: req.Replay.Offset}
	err := s.engine.ReplayFrom(ctx, req.Replay.Offset, func(offset uint64, ev domain.Event) bool {
		out.Events = append(out.Events, &OffsetEvent{Offset: offset, Event: fromDomain(ev)})
		out.NextOffset = offset + 1
		return true
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrCompactedOffset) {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeCompacted), err.Error()
			return res
		}
		res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
		return res
	}
	res.Replay = out
	return res
}

func toDomain(e *Event) domain.Event {
	if e == nil {
		return domain.Event{}
	}
	return domain.Event{Sequence: e.Sequence, Timestamp: e.Timestamp, ClientID: e.ClientId, Kind: e.Kind, Payload: append([]byte(nil), e.Payload...)}
}

func fromDomain(e domain.Event) *Event {
	return &Event{Sequence: e.Sequence, Timestamp: e.Timestamp, ClientId: e.ClientID, Kind: e.Kind, Payload: append([]byte(nil), e.Payload...)}
}

// DialAndRequest performs one request/response exchange. Peers keep
// long-lived connections; this is for tooling and tests.
func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

// Retryable reports whether a response code is a transient backpressure
// rejection the peer should retry after a short pause.
func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }
