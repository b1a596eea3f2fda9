package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/ratelimit"
)

// ServerConfig holds listener tuning.
type ServerConfig struct {
	ReadLimit  int64         // max frame size in bytes (default 1 MB)
	RateLimit  int           // calls per RateWindow per connection, 0 disables
	RateWindow time.Duration // default 1s
}

// wsConn wraps a websocket connection with a write mutex. gorilla/websocket
// connections do not support concurrent writers.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) write(msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Server exposes the handlers of one process over WebSocket. Every inbound
// call runs in its own goroutine so a slow method never stalls the
// connection's read loop.
type Server struct {
	router Router
	cfg    ServerConfig
	logger *zap.Logger

	listener net.Listener
	http     *http.Server
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	conns map[*wsConn]struct{}
	wg    sync.WaitGroup
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewServer(router Router, cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		router: router,
		cfg:    cfg,
		logger: logger.Named("rpc-server"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*wsConn]struct{}),
	}
}

// Listen binds host:port (port 0 picks a free port) and starts serving /ws.
func (s *Server) Listen(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.http.Serve(ln) //nolint:errcheck
	}()
	s.logger.Debug("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns the bound host:port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	wc := &wsConn{conn: conn}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[wc] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(wc)
}

// readLoop reads calls until the connection closes.
func (s *Server) readLoop(wc *wsConn) {
	defer s.wg.Done()
	limiter := ratelimit.New(s.cfg.RateLimit, s.cfg.RateWindow)
	defer func() {
		wc.conn.Close()
		s.mu.Lock()
		delete(s.conns, wc)
		s.mu.Unlock()
		if denied := limiter.Denied(); denied > 0 {
			s.logger.Warn("connection closed after refusing calls",
				zap.String("remote", wc.conn.RemoteAddr().String()), zap.Int("denied", denied))
		}
	}()

	for {
		var msg Message
		if err := wc.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != MsgCall {
			continue
		}
		if !limiter.Allow() {
			s.reply(wc, &msg, nil, ErrRateLimited)
			continue
		}
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func(msg Message) {
			defer s.wg.Done()
			result, err := s.dispatch(&msg)
			s.reply(wc, &msg, result, err)
		}(msg)
	}
}

func (s *Server) dispatch(msg *Message) (result any, err error) {
	h, ok := s.router.Route(msg.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTarget, msg.Target)
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", zap.String("method", msg.Method), zap.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(s.ctx, msg.Method, msg.Payload)
}

// replyOverhead is room left in a frame for the envelope around a payload.
const replyOverhead = 512

func (s *Server) reply(wc *wsConn, call *Message, result any, err error) {
	resp := &Message{
		Type:      MsgResult,
		ID:        call.ID,
		Target:    call.Target,
		Method:    call.Method,
		Timestamp: time.Now().Unix(),
	}
	if err != nil {
		resp.Type = MsgError
		resp.Error = err.Error()
		resp.Code = CodeOf(err)
	} else {
		payload, merr := json.Marshal(result)
		switch {
		case merr != nil:
			resp.Type = MsgError
			resp.Error = fmt.Sprintf("encode result: %v", merr)
		case int64(len(payload)) > s.cfg.ReadLimit-replyOverhead:
			// Peers share the frame limit; an oversized frame would drop
			// the caller's connection and every call pending on it.
			resp.Type = MsgError
			resp.Error = fmt.Sprintf("%s: %d bytes", ErrTooLarge, len(payload))
			resp.Code = CodeOf(ErrTooLarge)
			s.logger.Warn("reply too large", zap.String("method", call.Method), zap.Int("bytes", len(payload)))
		default:
			resp.Payload = payload
		}
	}
	if werr := wc.write(resp); werr != nil {
		s.logger.Debug("reply dropped", zap.String("method", call.Method), zap.Error(werr))
	}
}

// Close stops accepting connections, closes open ones and waits for running
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.cancel()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = s.http.Shutdown(ctx)
		cancel()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	s.wg.Wait()
	return err
}
