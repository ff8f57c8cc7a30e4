package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"emby-panel/internal/access"
	"emby-panel/internal/api/middleware"
	"emby-panel/internal/apperr"
	"emby-panel/internal/logger"
	"emby-panel/internal/reconcile"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	DefaultInterval = 15 * time.Second
	writeTimeout    = 10 * time.Second
)

// Message is the envelope of every frame on the feed. Clients send
// {"type":"refresh"} to get a fresh snapshot immediately.
type Message struct {
	Type  string                 `json:"type"`
	Data  *reconcile.AccountList `json:"data,omitempty"`
	Error string                 `json:"error,omitempty"`
	At    time.Time              `json:"at"`
}

type Lister interface {
	ListEnrichedAccounts(ctx context.Context, actor *access.Actor) (*reconcile.AccountList, error)
}

// AccountsHandler pushes the actor's enriched account list every interval
// until the client goes away.
func AccountsHandler(lister Lister, interval time.Duration) gin.HandlerFunc {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return func(c *gin.Context) {
		actor := middleware.Actor(c)
		log := logger.FromContext(c.Request.Context()).Named("ws")

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("failed to upgrade websocket", zap.Error(err))
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		refresh := make(chan struct{}, 1)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			readLoop(conn, refresh, log)
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

	loop:
		for {
			if err := push(ctx, conn, lister, actor); err != nil {
				if ctx.Err() == nil {
					log.Debug("websocket write failed", zap.Error(err))
				}
				break
			}
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
			case <-refresh:
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
		wg.Wait()
	}
}

func readLoop(conn *websocket.Conn, refresh chan<- struct{}, log *zap.Logger) {
	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(p, &msg); err != nil {
			continue
		}
		if msg.Type == "refresh" {
			select {
			case refresh <- struct{}{}:
			default:
			}
		}
	}
}

func push(ctx context.Context, conn *websocket.Conn, lister Lister, actor *access.Actor) error {
	msg := Message{Type: "accounts", At: time.Now().UTC()}
	list, err := lister.ListEnrichedAccounts(ctx, actor)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg = Message{Type: "error", Error: apperr.PublicMessage(err), At: msg.At}
	} else {
		msg.Data = list
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
