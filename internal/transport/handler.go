package transport

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notecollab/internal/apperr"
	"notecollab/internal/registry"
)

// Config carries the transport tunables named in §6.4.
type Config struct {
	OutboundBufferFrames int
	PingInterval         time.Duration
	PongTimeout          time.Duration
	AllowedOrigins       []string
}

// Handler upgrades HTTP requests on /ws/{documentId} to websocket
// connections and attaches them to the matching DocSession.
type Handler struct {
	registry *registry.DocRegistry
	logger   *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader
	userSeq  atomic.Uint64
}

// NewHandler builds a transport handler bound to reg.
func NewHandler(reg *registry.DocRegistry, logger *zap.Logger, cfg Config) *Handler {
	h := &Handler{registry: reg, logger: logger, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection, attaches it to the document's session,
// and blocks until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("documentId")
	if documentID == "" {
		http.Error(w, "documentId is required", http.StatusBadRequest)
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = "anon-" + strconv.FormatUint(h.userSeq.Add(1), 10)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("documentId", documentID), zap.Error(err))
		return
	}

	client := newClient(nextClientID(), userID, documentID, conn, h.registry, h.logger,
		h.cfg.OutboundBufferFrames, h.cfg.PingInterval, h.cfg.PongTimeout)

	if err := h.registry.Attach(documentID, client, userID); err != nil {
		client.Close(apperr.KindFatal)
		return
	}

	client.run()
}
