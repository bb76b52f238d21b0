package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/eternisai/enchanted-sync/internal/auth"
	"github.com/eternisai/enchanted-sync/internal/logger"
	"github.com/eternisai/enchanted-sync/internal/syncproto"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth middleware already gates the endpoint; origins are handled by CORS.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LiveSync upgrades the connection and keeps the client continuously
// reconciled: unlike the stateless POST endpoint, one sync state lives for
// the whole connection, and server-side changes are pushed as they commit.
type LiveSync struct {
	manager *Manager
	log     *logger.Logger
}

func NewLiveSync(manager *Manager, log *logger.Logger) *LiveSync {
	return &LiveSync{manager: manager, log: log.WithComponent("livesync")}
}

func (ls *LiveSync) Handle(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	entry, err := ls.manager.Acquire(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ls.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	log := ls.log.WithContext(c.Request.Context())
	log.Info("live sync connected", slog.String("user_id", userID))

	state := entry.store.NewSyncState()
	var writeMu sync.Mutex

	send := func(payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.BinaryMessage, payload)
	}

	// Drain loop: whenever the document changes, generate and push whatever
	// the connection's sync state has for the peer.
	drain := func() error {
		for _, msg := range entry.store.GenerateSyncMessages(state) {
			if err := send(syncproto.EncodeMessage(syncproto.TypeStep2, msg)); err != nil {
				return err
			}
		}
		return nil
	}

	events, cancel := entry.store.Subscribe()
	defer cancel()
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-events:
				if err := drain(); err != nil {
					return
				}
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	// Kick off the initial reconciliation from the server side.
	if err := drain(); err != nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Info("live sync disconnected", slog.String("user_id", userID))
			return
		}
		typ, payload, err := syncproto.DecodeMessage(raw)
		if err != nil {
			log.Warn("dropping malformed live sync message", slog.String("error", err.Error()))
			continue
		}

		var learned []byte
		switch typ {
		case syncproto.TypeStep1, syncproto.TypeStep2:
			if err := entry.store.ReceiveSyncMessage(state, payload); err != nil {
				log.Warn("failed to receive live sync message", slog.String("error", err.Error()))
				continue
			}
			learned = entry.store.SaveIncremental()
		case syncproto.TypeUpdate:
			if err := entry.store.ApplyUpdate(payload); err != nil {
				log.Warn("failed to apply live update", slog.String("error", err.Error()))
				continue
			}
			learned = entry.store.SaveIncremental()
		}

		if err := ls.manager.Persist(c.Request.Context(), userID, learned); err != nil {
			log.Error("failed to persist live sync update", slog.String("error", err.Error()))
		}
		if err := drain(); err != nil {
			return
		}
	}
}
