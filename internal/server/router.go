package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

var (
	errMissingChatService = errors.New("chat service dependency required")
	errMissingPresence    = errors.New("presence counter dependency required")
	errMissingHealth      = errors.New("health checker dependency required")
)

// PresenceCounter reports how many users are online.
type PresenceCounter interface {
	Count() int
}

// HealthChecker verifies the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Chat     *chat.Service
	Presence PresenceCounter
	Health   HealthChecker
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Handler serves the websocket endpoint together with health and metrics.
type Handler struct {
	router   *gin.Engine
	chat     *chat.Service
	presence PresenceCounter
	health   HealthChecker
	metrics  *metrics.Collector
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	draining    bool
	connections map[string]*connection
	sessions    sync.WaitGroup
}

func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.Chat == nil {
		return nil, errMissingChatService
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Health == nil {
		return nil, errMissingHealth
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &Handler{
		chat:     deps.Chat,
		presence: deps.Presence,
		health:   deps.Health,
		metrics:  deps.Metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		connections: make(map[string]*connection),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/socket", handler.handleSocket)
	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	handler.router = router
	return handler, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Shutdown refuses new sockets, closes open ones and waits until their sessions have disconnected.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	for _, conn := range h.connections {
		conn.close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type healthResponse struct {
	Status string `json:"status"`
	Online int    `json:"online"`
}

func (h *Handler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := h.health.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Online: h.presence.Count()})
		return
	}
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Online: h.presence.Count()})
}

func (h *Handler) handleSocket(c *gin.Context) {
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(uuid.NewString(), socket, h.logger)
	if !h.track(conn) {
		conn.close()
		return
	}
	defer h.untrack(conn)

	h.metrics.ConnectionOpened()
	defer h.metrics.ConnectionClosed()

	ctx := c.Request.Context()
	session := h.chat.NewSession(conn)
	inbox := make(chan chat.Event, inboxSize)
	worked := make(chan struct{})
	go func() {
		defer close(worked)
		for event := range inbox {
			session.Handle(ctx, event)
		}
		session.Close(ctx)
	}()
	go conn.writePump()

	conn.readPump(inbox)
	conn.close()
	close(inbox)
	<-worked
	h.logger.Debug("websocket closed", zap.String("connection_id", conn.id), zap.String("user_id", session.UserID()))
}

func (h *Handler) track(conn *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.connections[conn.id] = conn
	h.sessions.Add(1)
	return true
}

func (h *Handler) untrack(conn *connection) {
	h.mu.Lock()
	delete(h.connections, conn.id)
	h.mu.Unlock()
	h.sessions.Done()
}
