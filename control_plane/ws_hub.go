package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/itskum47/BackForge/control_plane/action"
	"github.com/itskum47/BackForge/control_plane/agent"
	"github.com/itskum47/BackForge/control_plane/observability"
	"github.com/itskum47/BackForge/control_plane/scheduler"
)

// Websocket close codes sent to agents.
const (
	closeInvalidArgument   = 4000
	closeProtocolViolation = 4002
	closeAlreadyExists     = 4009
)

const (
	maxAgentConnections = 1000
	writeWait           = 10 * time.Second
	maxFrameSize        = 64 << 10
	limiterIdle         = 10 * time.Minute
)

// AgentHub accepts agent websocket connections and pumps their frames
// into agent.Agent handles.
type AgentHub struct {
	registry *agent.Registry
	limiter  *scheduler.TokenBucketLimiter
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsChannel]struct{}
}

// NewAgentHub creates a hub registering agents in registry. limiter may
// be nil.
func NewAgentHub(registry *agent.Registry, limiter *scheduler.TokenBucketLimiter) *AgentHub {
	return &AgentHub{
		registry: registry,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[*wsChannel]struct{}),
	}
}

// Run prunes idle limiter buckets until ctx is done, then closes every
// agent connection.
func (h *AgentHub) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-ticker.C:
			if h.limiter != nil {
				if n := h.limiter.Prune(limiterIdle); n > 0 {
					logger.Debugf("forgot %d idle connection rate limit bucket(s)", n)
				}
			}
		}
	}
}

func (h *AgentHub) shutdown() {
	h.mu.Lock()
	clients := make([]*wsChannel, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	logger.Infof("shutting down agent hub with %d connection(s)", len(clients))
	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "control plane shutting down")
	}
}

// ClientCount returns the number of open agent connections.
func (h *AgentHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *AgentHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r)
	if h.limiter != nil && !h.limiter.Allow(host) {
		observability.ConnectionsRateLimited.Inc()
		retry := time.Second
		if _, wait := h.limiter.Reserve(host); wait > retry {
			retry = wait
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	h.mu.Lock()
	full := len(h.clients) >= maxAgentConnections
	h.mu.Unlock()
	if full {
		logger.Warningf("agent connection from %s rejected: %d connections open", host, maxAgentConnections)
		http.Error(w, "Too many agent connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warningf("agent connection from %s: %v", host, err)
		return
	}
	ch := &wsChannel{conn: conn}
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	h.serve(agent.New(ch, h.registry), ch, host)
}

// serve reads frames until the connection ends.
func (h *AgentHub) serve(a *agent.Agent, ch *wsChannel, host string) {
	defer func() {
		a.HandleClosedConnection()
		ch.close(websocket.CloseNormalClosure, "")
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}()

	ch.conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Infof("agent connection from %s (%q) lost: %v", host, a.ID(), err)
			}
			return
		}
		msg, err := decodeFrame(data)
		if err != nil {
			logger.Errorf("agent connection from %s: %v", host, err)
			ch.close(closeInvalidArgument, err.Error())
			return
		}
		if err := a.ProcessMessage(msg); err != nil {
			if code, fatal := closeCode(err); fatal {
				logger.Errorf("closing agent connection from %s (%q): %v", host, a.ID(), err)
				ch.close(code, err.Error())
				return
			}
			logger.Warningf("agent %q: %v", a.ID(), err)
		}
	}
}

// closeCode maps a ProcessMessage error to a close code. Errors that do
// not end the connection return false.
func closeCode(err error) (int, bool) {
	var regErr *agent.RegistrationError
	if errors.As(err, &regErr) {
		observability.RegistrationRejections.WithLabelValues(string(regErr.Reason)).Inc()
		if regErr.Reason == agent.AlreadyExists {
			return closeAlreadyExists, true
		}
		return closeInvalidArgument, true
	}
	switch {
	case errors.Is(err, errors.NotSupported):
		observability.ProtocolViolations.Inc()
		return closeProtocolViolation, true
	case errors.Is(err, errors.NotValid):
		return closeInvalidArgument, true
	}
	return 0, false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsChannel sends directives to one agent over its websocket.
type wsChannel struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ agent.Channel = (*wsChannel)(nil)

func (c *wsChannel) send(f outboundFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Errorf("connection closed")
	}
	// Write deadline keeps a dead peer from stalling the job that sends.
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return errors.Trace(c.conn.WriteJSON(f))
}

func (c *wsChannel) SendPrepare(kind action.Kind, backupName, backupType string) error {
	return c.send(outboundFrame{Type: framePrepare, Action: kind, BackupName: backupName, BackupType: backupType})
}

func (c *wsChannel) SendExecute(kind action.Kind) error {
	return c.send(outboundFrame{Type: frameExecute, Action: kind})
}

func (c *wsChannel) SendPostAction(kind action.Kind) error {
	return c.send(outboundFrame{Type: framePostAction, Action: kind})
}

func (c *wsChannel) SendCancel(kind action.Kind) error {
	return c.send(outboundFrame{Type: frameCancel, Action: kind})
}

func (c *wsChannel) SendRegistrationAck() error {
	return c.send(outboundFrame{Type: frameRegisterAck})
}

// close sends a close frame with code and drops the connection. Only the
// first call has an effect.
func (c *wsChannel) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if len(reason) > 120 {
		reason = reason[:120]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.conn.Close()
}
