package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/usecase"
)

// Orchestrator dispatches a question against the agent panel and streams
// back results. Implemented by usecase.Orchestrator.
type Orchestrator interface {
	Run(ctx context.Context, req usecase.Request) (*domain.Session, <-chan domain.AgentResult, error)
}

// Recorder persists finished sessions. Implemented by chatlog.Store; nil
// disables recording.
type Recorder interface {
	RecordSession(ctx context.Context, session *domain.Session) error
}

// frameConn abstracts the WebSocket transport so tests can substitute a
// recording double.
type frameConn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close(code websocket.StatusCode, reason string) error
}

type wsFrameConn struct {
	ws *websocket.Conn
}

// ReadFrame reads and decodes one frame. Decoding is done here rather than
// through wsjson.Read, which closes the connection on unmarshal failure; a
// malformed payload must come back as ErrProtocol with the socket intact.
func (c *wsFrameConn) ReadFrame(ctx context.Context) (Frame, error) {
	var f Frame
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, domain.NewDomainError("gateway.ReadFrame", domain.ErrProtocol, err.Error())
	}
	return f, nil
}

func (c *wsFrameConn) WriteFrame(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, c.ws, f)
}

func (c *wsFrameConn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// clientConn tracks a single WebSocket connection. At most one session may
// be in flight per connection; a second question is rejected until the
// prior one completes.
type clientConn struct {
	info      *ClientInfo
	clientKey string
	conn      frameConn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
	busy      atomic.Bool
}

func (cc *clientConn) markClosed() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// send queues a frame for the write loop. Returns false when the
// connection is closed or the client is too slow to drain its queue.
func (cc *clientConn) send(f Frame) bool {
	select {
	case <-cc.done:
		return false
	default:
	}
	select {
	case cc.sendCh <- f:
		return true
	case <-cc.done:
		return false
	}
}

// Server is the WebSocket gateway. It owns the client connections, runs
// one session at a time per connection, and exposes the operational HTTP
// surface alongside /ws.
type Server struct {
	orch      Orchestrator
	recorder  Recorder
	auth      Authenticator
	logger    *slog.Logger
	addr      string
	httpSrv   *http.Server
	boundAddr string
	clients   sync.Map // connID (uint64) -> *clientConn
	nextID    atomic.Uint64
	metrics   *Metrics
	startTime time.Time

	httpRoutes []httpRoute
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server. recorder may be nil.
func NewServer(orch Orchestrator, recorder Recorder, auth Authenticator, addr string, logger *slog.Logger) *Server {
	return &Server{
		orch:      orch,
		recorder:  recorder,
		auth:      auth,
		logger:    logger,
		addr:      addr,
		metrics:   &Metrics{},
		startTime: time.Now(),
	}
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start begins accepting WebSocket connections. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.markClosed()
		cc.conn.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientInfo, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		info:      clientInfo,
		clientKey: clientKeyFor(clientInfo, r.RemoteAddr),
		conn:      &wsFrameConn{ws: ws},
		sendCh:    make(chan Frame, 64),
		done:      make(chan struct{}),
	}
	s.clients.Store(connID, cc)

	s.logger.Info("gateway client connected", "conn_id", connID, "client", cc.clientKey)

	go s.writeLoop(cc)

	// Read loop (blocking).
	s.readLoop(r.Context(), cc)

	cc.markClosed()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

// clientKeyFor derives the rate-limiter key: the authenticated token name,
// or the remote host for anonymous clients.
func clientKeyFor(info *ClientInfo, remoteAddr string) string {
	if info.Name != "" && info.Name != "anonymous" {
		return info.Name
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		frame, err := cc.conn.ReadFrame(ctx)
		if err != nil {
			// A malformed payload is reported back on the connection,
			// which stays open for the next frame.
			if errors.Is(err, domain.ErrProtocol) {
				cc.send(Frame{
					Type:  FrameTypeError,
					Error: err.Error(),
					Kind:  domain.FailureKindOf(err),
				})
				continue
			}
			return // connection closed
		}
		s.metrics.FramesRecv.Add(1)

		if frame.Type != FrameTypeQuestion {
			cc.send(Frame{
				Type:  FrameTypeError,
				Error: domain.NewDomainError("gateway.readLoop", domain.ErrProtocol, "expected a question frame").Error(),
				Kind:  domain.KindInvalidRequest,
			})
			continue
		}
		s.handleQuestion(ctx, cc, frame)
	}
}

// handleQuestion starts one session for the connection. The session runs
// on its own goroutine so the read loop keeps draining (and rejecting)
// client frames.
func (s *Server) handleQuestion(ctx context.Context, cc *clientConn, frame Frame) {
	if strings.TrimSpace(frame.Question) == "" {
		cc.send(Frame{
			Type:  FrameTypeError,
			Error: domain.NewDomainError("gateway.handleQuestion", domain.ErrProtocol, "empty question").Error(),
			Kind:  domain.KindInvalidRequest,
		})
		return
	}

	if !cc.busy.CompareAndSwap(false, true) {
		cc.send(Frame{
			Type:  FrameTypeError,
			Error: domain.ErrSessionBusy.Error(),
		})
		return
	}

	req := usecase.Request{
		ClientKey: cc.clientKey,
		Question:  frame.Question,
		Agents:    frame.Agents,
	}
	if frame.Stream {
		// Forward content chunks as delta frames as they arrive. cc.send
		// is safe for the concurrent agent goroutines and drops frames
		// once the connection is gone.
		req.OnDelta = func(agent string, delta domain.StreamDelta) {
			if delta.Content == "" {
				return
			}
			cc.send(Frame{Type: FrameTypeDelta, Agent: agent, Delta: delta.Content})
		}
	}

	session, results, err := s.orch.Run(ctx, req)
	if err != nil {
		cc.busy.Store(false)
		cc.send(Frame{
			Type:  FrameTypeError,
			Error: err.Error(),
			Kind:  domain.FailureKindOf(err),
		})
		return
	}

	s.metrics.SessionsTotal.Add(1)

	go func() {
		defer cc.busy.Store(false)
		s.streamResults(cc, session, results)
		if s.recorder != nil {
			if err := s.recorder.RecordSession(context.Background(), session); err != nil {
				s.logger.Warn("session record failed", "session", session.ID, "error", err)
			}
		}
	}()
}

// streamResults forwards each agent result to the client as it completes,
// then a completion frame. The result channel is always drained so the
// orchestrator's aggregation never blocks on a dead connection.
func (s *Server) streamResults(cc *clientConn, session *domain.Session, results <-chan domain.AgentResult) {
	for r := range results {
		r := r
		if cc.send(Frame{Type: FrameTypeResult, Session: session.ID, Result: &r}) {
			s.metrics.ResultsSent.Add(1)
		}
	}

	if session.CurrentPhase() == domain.PhaseAborted {
		s.metrics.SessionsAborted.Add(1)
		return
	}

	succeeded, failed := session.Counts()
	cc.send(Frame{
		Type:      FrameTypeComplete,
		Session:   session.ID,
		Succeeded: succeeded,
		Failed:    failed,
	})
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := cc.conn.WriteFrame(ctx, frame)
			cancel()
			if err != nil {
				cc.markClosed()
				return
			}
			s.metrics.FramesSent.Add(1)
		}
	}
}
