package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dreminjs/meets/internal/config"
	"github.com/dreminjs/meets/internal/metrics"
	"github.com/dreminjs/meets/internal/origin"
	"github.com/dreminjs/meets/internal/ratelimit"
	"github.com/dreminjs/meets/internal/room"
)

const wsCloseWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Registry holds room state. If nil, a fresh registry with the default
	// two-party capacity is created.
	Registry *room.Registry

	// Metrics may be nil; counters are then skipped.
	Metrics *metrics.Metrics

	Logger *slog.Logger

	// Origins restricts websocket upgrades by Origin header. A nil or empty
	// allowlist admits every origin.
	Origins *origin.Allowlist

	// IdleTimeout closes connections that neither send messages nor answer
	// pings. PingInterval must be shorter than IdleTimeout.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// Inbound hardening. Zero values select the config package defaults;
	// MaxMessagesPerSecond < 0 disables rate limiting.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server terminates the /ws websocket connections and runs the signaling
// protocol over them.
type Server struct {
	registry *room.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger

	hub    *hub
	router *router

	idleTimeout  time.Duration
	pingInterval time.Duration

	maxMessageBytes      int64
	maxMessagesPerSecond int

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	registry := cfg.Registry
	if registry == nil {
		registry = room.NewRegistry(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = config.DefaultWSIdleTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = config.DefaultWSPingInterval
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = config.DefaultMaxMessageBytes
	}
	maxMessagesPerSecond := cfg.MaxMessagesPerSecond
	if maxMessagesPerSecond == 0 {
		maxMessagesPerSecond = config.DefaultMaxMessagesPerSecond
	}

	h := newHub()
	s := &Server{
		registry:             registry,
		metrics:              cfg.Metrics,
		log:                  logger,
		hub:                  h,
		router:               &router{registry: registry, hub: h, metrics: cfg.Metrics, log: logger},
		idleTimeout:          idleTimeout,
		pingInterval:         pingInterval,
		maxMessageBytes:      maxMessageBytes,
		maxMessagesPerSecond: maxMessagesPerSecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return cfg.Origins.Allows(r.Header.Get("Origin"))
			},
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close shuts down every live connection. New upgrades are not prevented;
// stop the HTTP server first.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}

	p := newPeer(uuid.NewString(), conn, s.log)
	s.hub.add(p)
	s.metrics.ConnOpened()

	go p.writeLoop(s.pingInterval)
	s.router.handleConnect(p)

	s.readLoop(p)

	// Cleanup must complete before the handler returns: remove the
	// connection, then drain its rooms so no later message can route into
	// them on its behalf.
	s.hub.remove(p.id)
	s.router.handleDisconnect(p)
	p.close()
	s.metrics.ConnClosed()
}

// readLoop is the single reader for the connection. It enforces the idle
// deadline, the message size cap and the message rate limit, and dispatches
// every frame to the router.
func (s *Server) readLoop(p *peer) {
	limiter := ratelimit.NewMessageLimiter(nil, s.maxMessagesPerSecond)

	p.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	for {
		msgType, msgReader, err := p.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("read failed", "peer", p.id, "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(p.conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow() {
			writeClose(p.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		data, err := readLimited(msgReader, s.maxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(p.conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(p.conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		p.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		s.router.handleMessage(p, data)
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsCloseWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
