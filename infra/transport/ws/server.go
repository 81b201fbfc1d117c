// Package ws serves the OCPP-J websocket endpoint stations dial into and
// carries remote commands over the same connections. One connection per
// charge box id; replies are correlated by the OCPP-J message id.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voltbridge/csms/core/command"
	"github.com/voltbridge/csms/core/logger"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/status"
)

// CallHandler processes a station-originated CALL and returns the
// confirmation payload. Errors are mapped to CALLERROR frames.
type CallHandler func(ctx context.Context, chargeBoxID, action string, payload json.RawMessage) (any, error)

// Config holds websocket endpoint settings.
type Config struct {
	// PathPrefix under which stations connect as {prefix}/{chargeBoxID}.
	PathPrefix string `json:"path_prefix"`
	// WriteTimeoutMS bounds a single frame write. Zero means 10s.
	WriteTimeoutMS int `json:"write_timeout_ms"`
	// PingIntervalMS between keepalive pings. Zero means 30s.
	PingIntervalMS int `json:"ping_interval_ms"`
}

func (c Config) prefix() string {
	if c.PathPrefix == "" {
		return "/ocpp"
	}
	return strings.TrimSuffix(c.PathPrefix, "/")
}

func (c Config) writeTimeout() time.Duration {
	if c.WriteTimeoutMS > 0 {
		return time.Duration(c.WriteTimeoutMS) * time.Millisecond
	}
	return 10 * time.Second
}

func (c Config) pingInterval() time.Duration {
	if c.PingIntervalMS > 0 {
		return time.Duration(c.PingIntervalMS) * time.Millisecond
	}
	return 30 * time.Second
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // serializes writes
}

func (c *conn) write(deadline time.Duration, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Server is the websocket side of the command path: an http.Handler stations
// connect to and a command.Transport the dispatcher sends through.
type Server struct {
	cfg      Config
	statuses status.Store
	handler  CallHandler
	log      logger.Logger

	mu      sync.RWMutex
	conns   map[string]*conn
	pending map[string]func(command.Result)

	upgrader websocket.Upgrader
}

// NewServer wires the websocket endpoint. handler may be nil, in which case
// station-originated calls are answered with NotImplemented.
func NewServer(cfg Config, statuses status.Store, handler CallHandler, log logger.Logger) (*Server, error) {
	if statuses == nil {
		return nil, fmt.Errorf("ws: status store is required")
	}
	if log == nil {
		return nil, fmt.Errorf("ws: logger is required")
	}
	return &Server{
		cfg:      cfg,
		statuses: statuses,
		handler:  handler,
		log:      log,
		conns:    make(map[string]*conn),
		pending:  make(map[string]func(command.Result)),
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{"ocpp1.6"},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}, nil
}

// Kind implements command.Transport.
func (s *Server) Kind() model.TransportKind { return model.TransportWebsocket }

// Send writes a CALL frame to the station's connection. The deliver callback
// fires when the matching CALLRESULT or CALLERROR arrives; the dispatcher
// owns the timeout.
func (s *Server) Send(_ context.Context, cp model.ChargePointRef, req command.Request, deliver func(command.Result)) error {
	s.mu.RLock()
	c, ok := s.conns[cp.ChargeBoxID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", cp.ChargeBoxID, command.ErrUnknownChargePoint)
	}
	data, err := encodeCall(req.ID, req.Action, req.Payload)
	if err != nil {
		return fmt.Errorf("encode call: %w", err)
	}

	s.mu.Lock()
	s.pending[req.ID] = deliver
	s.mu.Unlock()

	if err := c.write(s.cfg.writeTimeout(), data); err != nil {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		return fmt.Errorf("write to %s: %w", cp.ChargeBoxID, err)
	}
	s.log.Debugf("sent %s %s to %s", req.Action, req.ID, cp.ChargeBoxID)
	return nil
}

// ServeHTTP upgrades a station connection. The charge box id is the last path
// segment under the configured prefix.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chargeBoxID := strings.TrimPrefix(r.URL.Path, s.cfg.prefix()+"/")
	if chargeBoxID == "" || strings.Contains(chargeBoxID, "/") {
		http.Error(w, "missing charge box id", http.StatusBadRequest)
		return
	}
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade for %s: %v", chargeBoxID, err)
		return
	}
	c := &conn{ws: wsConn}

	s.mu.Lock()
	if old, ok := s.conns[chargeBoxID]; ok {
		// Station reconnected before the old socket died.
		old.ws.Close()
	}
	s.conns[chargeBoxID] = c
	s.mu.Unlock()

	if err := s.statuses.MarkOnline(context.Background(), chargeBoxID); err != nil {
		s.log.Warnf("mark online %s: %v", chargeBoxID, err)
	}
	s.log.Infof("%s connected over websocket", chargeBoxID)
	go s.readLoop(chargeBoxID, c)
	go s.pingLoop(c)
}

func (s *Server) readLoop(chargeBoxID string, c *conn) {
	defer s.drop(chargeBoxID, c)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			s.log.Infof("%s disconnected: %v", chargeBoxID, err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			s.log.Warnf("%s: bad frame: %v", chargeBoxID, err)
			continue
		}
		switch f.kind {
		case msgCallResult:
			s.resolve(f.id, command.Result{Status: statusOf(f.payload)})
		case msgCallError:
			s.resolve(f.id, command.Result{ErrorCode: f.errCode, ErrorDescription: f.errDetail})
		case msgCall:
			s.handleCall(chargeBoxID, c, f)
		}
	}
}

// statusOf pulls the confirmation status field, if present.
func statusOf(payload json.RawMessage) string {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.Status
}

func (s *Server) resolve(id string, res command.Result) {
	s.mu.Lock()
	deliver, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debugf("answer for unknown call %s", id)
		return
	}
	deliver(res)
}

func (s *Server) handleCall(chargeBoxID string, c *conn, f frame) {
	if s.handler == nil {
		s.reply(c, mustEncodeCallError(f.id, "NotImplemented", "no call handler"))
		return
	}
	payload, err := s.handler(context.Background(), chargeBoxID, f.action, f.payload)
	if err != nil {
		s.log.Warnf("%s: %s failed: %v", chargeBoxID, f.action, err)
		s.reply(c, mustEncodeCallError(f.id, "InternalError", err.Error()))
		return
	}
	data, err := encodeCallResult(f.id, payload)
	if err != nil {
		s.reply(c, mustEncodeCallError(f.id, "InternalError", err.Error()))
		return
	}
	s.reply(c, data)
}

func (s *Server) reply(c *conn, data []byte) {
	if err := c.write(s.cfg.writeTimeout(), data); err != nil {
		s.log.Warnf("reply write: %v", err)
	}
}

func mustEncodeCallError(id, code, description string) []byte {
	data, err := encodeCallError(id, code, description)
	if err != nil {
		// Arguments are plain strings; this cannot fail.
		panic(err)
	}
	return data
}

func (s *Server) pingLoop(c *conn) {
	ticker := time.NewTicker(s.cfg.pingInterval())
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.writeTimeout()))
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// drop removes the connection unless a newer one already replaced it.
func (s *Server) drop(chargeBoxID string, c *conn) {
	c.ws.Close()
	s.mu.Lock()
	current, ok := s.conns[chargeBoxID]
	replaced := ok && current != c
	if !replaced {
		delete(s.conns, chargeBoxID)
	}
	s.mu.Unlock()
	if replaced {
		return
	}
	if err := s.statuses.MarkOffline(context.Background(), chargeBoxID); err != nil {
		s.log.Warnf("mark offline %s: %v", chargeBoxID, err)
	}
}

// Connected reports whether a station currently holds a live connection.
func (s *Server) Connected(chargeBoxID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[chargeBoxID]
	return ok
}

var _ command.Transport = (*Server)(nil)
