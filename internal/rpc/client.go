package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientConfig holds outbound defaults.
type ClientConfig struct {
	ConnectTimeout time.Duration // default 5s
	CallTimeout    time.Duration // applied when the caller's context has no deadline, default 30s
	ReadLimit      int64         // default 1 MB
}

// Client keeps one WebSocket connection per remote process and multiplexes
// calls over it, matching replies to calls by message ID.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]*clientConn
	closed bool
}

type clientConn struct {
	hostPort string
	ws       *wsConn

	mu      sync.Mutex
	pending map[string]chan *Message
	done    chan struct{}
	err     error
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.Named("rpc-client"),
		conns:  make(map[string]*clientConn),
	}
}

// Proxy is a handle to one remote agent.
type Proxy struct {
	client *Client
	addr   Addr
}

// Addr returns the address the proxy calls.
func (p *Proxy) Addr() Addr { return p.addr }

// Connect returns a proxy for addr, dialing its process if no connection
// is open. A timeout of 0 uses the configured connect timeout.
func (c *Client) Connect(ctx context.Context, addr Addr, timeout time.Duration) (*Proxy, error) {
	if timeout <= 0 {
		timeout = c.cfg.ConnectTimeout
	}
	if _, err := c.conn(ctx, addr, timeout); err != nil {
		return nil, err
	}
	return &Proxy{client: c, addr: addr}, nil
}

// Proxy returns a handle for addr without dialing. The first call dials.
func (c *Client) Proxy(addr Addr) *Proxy {
	return &Proxy{client: c, addr: addr}
}

func (c *Client) conn(ctx context.Context, addr Addr, timeout time.Duration) (*clientConn, error) {
	hp := addr.HostPort()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &ConnError{Addr: addr.String(), Err: ErrClosed}
	}
	if cc, ok := c.conns[hp]; ok {
		c.mu.Unlock()
		return cc, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	u := url.URL{Scheme: "ws", Host: hp, Path: "/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, &ConnError{Addr: addr.String(), Err: err}
	}
	ws.SetReadLimit(c.cfg.ReadLimit)
	cc := &clientConn{
		hostPort: hp,
		ws:       &wsConn{conn: ws},
		pending:  make(map[string]chan *Message),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return nil, &ConnError{Addr: addr.String(), Err: ErrClosed}
	}
	if existing, ok := c.conns[hp]; ok {
		// Lost a dial race; keep the established one.
		c.mu.Unlock()
		ws.Close()
		return existing, nil
	}
	c.conns[hp] = cc
	c.mu.Unlock()

	go c.readLoop(cc)
	return cc, nil
}

// readLoop delivers replies until the connection fails, then fails every
// pending call and forgets the connection so the next call redials.
func (c *Client) readLoop(cc *clientConn) {
	var err error
	for {
		var msg Message
		if err = cc.ws.conn.ReadJSON(&msg); err != nil {
			break
		}
		cc.mu.Lock()
		ch, ok := cc.pending[msg.ID]
		if ok {
			delete(cc.pending, msg.ID)
		}
		cc.mu.Unlock()
		if ok {
			ch <- &msg
		}
	}

	cc.ws.conn.Close()
	cc.mu.Lock()
	cc.err = err
	cc.mu.Unlock()
	close(cc.done)

	c.mu.Lock()
	if existing, ok := c.conns[cc.hostPort]; ok && existing == cc {
		delete(c.conns, cc.hostPort)
	}
	c.mu.Unlock()
}

// Call invokes method on the remote agent and decodes the result into out
// (which may be nil). Transport failures are *ConnError; failures reported
// by the remote handler are *RemoteError.
func (p *Proxy) Call(ctx context.Context, method string, params, out any) error {
	c := p.client
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	cc, err := c.conn(ctx, p.addr, c.cfg.ConnectTimeout)
	if err != nil {
		return err
	}

	var payload json.RawMessage
	if params != nil {
		payload, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
	}
	msg := &Message{
		Type:      MsgCall,
		ID:        uuid.NewString(),
		Target:    p.addr.ID,
		Method:    method,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}

	ch := make(chan *Message, 1)
	cc.mu.Lock()
	cc.pending[msg.ID] = ch
	cc.mu.Unlock()
	forget := func() {
		cc.mu.Lock()
		delete(cc.pending, msg.ID)
		cc.mu.Unlock()
	}

	if err := cc.ws.write(msg); err != nil {
		forget()
		return &ConnError{Addr: p.addr.String(), Err: err}
	}

	select {
	case resp := <-ch:
		if resp.Type == MsgError {
			return &RemoteError{Method: method, Code: resp.Code, Message: resp.Error}
		}
		if out != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-cc.done:
		cc.mu.Lock()
		cerr := cc.err
		cc.mu.Unlock()
		if cerr == nil {
			cerr = errors.New("connection closed")
		}
		return &ConnError{Addr: p.addr.String(), Err: cerr}
	case <-ctx.Done():
		forget()
		return &ConnError{Addr: p.addr.String(), Err: ctx.Err()}
	}
}

// Close drops every connection. Calls in flight fail with a ConnError.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conns := make([]*clientConn, 0, len(c.conns))
	for _, cc := range c.conns {
		conns = append(conns, cc)
	}
	c.mu.Unlock()

	for _, cc := range conns {
		cc.ws.conn.Close()
		<-cc.done
	}
}
