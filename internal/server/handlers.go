package server

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/eternisai/enchanted-sync/internal/auth"
	"github.com/eternisai/enchanted-sync/internal/errors"
	"github.com/eternisai/enchanted-sync/internal/logger"
	"github.com/eternisai/enchanted-sync/internal/metrics"
	"github.com/eternisai/enchanted-sync/internal/replica"
	"github.com/eternisai/enchanted-sync/internal/storage/pg"
	"github.com/eternisai/enchanted-sync/internal/syncproto"
)

// maxSyncBody caps the request body of a sync exchange.
const maxSyncBody = 16 << 20

// Handler serves the sync API against the replica manager.
type Handler struct {
	manager *Manager
	db      *pg.Store
	log     *logger.Logger
}

func NewHandler(manager *Manager, db *pg.Store, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		db:      db,
		log:     log.WithComponent("handlers"),
	}
}

// Sync handles one protocol message: the raw framed step1/step2/update body
// is fed to the user's engine, the learned update is persisted, and the
// engine's replies return as a chunked response envelope.
func (h *Handler) Sync(c *gin.Context) {
	started := time.Now()
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errors.NewAPIError("missing user identity", nil))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSyncBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, errors.NewAPIError("failed to read request body", nil))
		return
	}
	typ, _, derr := syncproto.DecodeMessage(body)
	label := typeLabel(typ, derr)

	entry, err := h.manager.Acquire(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("failed to load replica", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to load replica", nil))
		return
	}

	replies, learned, err := entry.engine.Handle(body)
	if err != nil {
		metrics.SyncRequests.WithLabelValues(label, "error").Inc()
		c.JSON(http.StatusBadRequest, errors.NewAPIError("malformed sync message", nil))
		return
	}
	metrics.SyncRequests.WithLabelValues(label, "ok").Inc()

	if err := h.manager.Persist(c.Request.Context(), userID, learned); err != nil {
		h.log.Error("failed to persist learned updates", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to persist updates", nil))
		return
	}

	metrics.SyncDuration.Observe(time.Since(started).Seconds())
	c.Data(http.StatusOK, "application/octet-stream", syncproto.EncodeEnvelope(replies))
}

func typeLabel(typ syncproto.MessageType, err error) string {
	if err != nil {
		return "unknown"
	}
	switch typ {
	case syncproto.TypeStep1:
		return "step1"
	case syncproto.TypeStep2:
		return "step2"
	case syncproto.TypeUpdate:
		return "update"
	}
	return "unknown"
}

// Document serves the full serialized document, the bootstrap payload for a
// new client replica. The user is named by query parameter because this
// endpoint sits outside token auth.
func (h *Handler) Document(c *gin.Context) {
	userID := c.Query("userID")
	if userID == "" {
		c.JSON(http.StatusBadRequest, errors.NewAPIError("userID is required", nil))
		return
	}
	entry, err := h.manager.Acquire(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to load replica", nil))
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", entry.engine.Snapshot())
}

// Session describes the canonical document's current heads so clients can
// detect remote changes without a full reconciliation.
func (h *Handler) Session(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	entry, err := h.manager.Acquire(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to load replica", nil))
		return
	}

	heads := entry.store.Heads()
	out := make([]string, 0, len(heads))
	for _, head := range heads {
		out = append(out, head.String())
	}
	c.JSON(http.StatusOK, gin.H{"heads": out})
}

// LegacySync lists the user's pre-replication chats for one-time import.
func (h *Handler) LegacySync(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	records, err := h.db.ListLegacyChats(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("failed to list legacy chats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to list legacy chats", nil))
		return
	}
	if records == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, records)
}

type deleteChatRequest struct {
	ChatID string `json:"chatId" binding:"required"`
}

// DeleteChat tombstones a chat on the canonical replica. The tombstone
// propagates to every client replica through normal sync.
func (h *Handler) DeleteChat(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	var req deleteChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.NewAPIError("chatId is required", nil))
		return
	}

	entry, err := h.manager.Acquire(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to load replica", nil))
		return
	}
	chat, err := entry.store.Chat(req.ChatID)
	if err != nil {
		c.JSON(http.StatusNotFound, errors.NewAPIError("chat not found", nil))
		return
	}
	if err := chat.Delete(); err != nil {
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to delete chat", nil))
		return
	}
	if err := h.manager.Persist(c.Request.Context(), userID, entry.store.SaveIncremental()); err != nil {
		h.log.Error("failed to persist chat deletion", slog.String("error", err.Error()))
	}
	c.JSON(http.StatusOK, gin.H{"deleted": req.ChatID})
}

type shareChatRequest struct {
	ChatID string `json:"chatId" binding:"required"`
}

// ShareChat freezes a chat's current state under a public share ID.
func (h *Handler) ShareChat(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	var req shareChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.NewAPIError("chatId is required", nil))
		return
	}

	entry, err := h.manager.Acquire(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to load replica", nil))
		return
	}
	chat, err := entry.store.Chat(req.ChatID)
	if err != nil {
		c.JSON(http.StatusNotFound, errors.NewAPIError("chat not found", nil))
		return
	}
	if chat.Deleted() {
		c.JSON(http.StatusNotFound, errors.NewAPIError("chat not found", nil))
		return
	}
	snap, err := chat.Snapshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to snapshot chat", nil))
		return
	}
	raw, err := replica.MarshalChatSnapshot(snap)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to serialize chat", nil))
		return
	}

	shareID := uuid.NewString()
	if err := h.db.SaveShare(c.Request.Context(), shareID, userID, req.ChatID, raw); err != nil {
		h.log.Error("failed to save share", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to save share", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"shareId": shareID})
}

// GetShare serves a frozen shared chat. Public: the share ID is the secret.
func (h *Handler) GetShare(c *gin.Context) {
	raw, err := h.db.GetShare(c.Request.Context(), c.Param("id"))
	if err == pg.ErrNotFound {
		c.JSON(http.StatusNotFound, errors.NewAPIError("share not found", nil))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errors.NewAPIError("failed to load share", nil))
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
