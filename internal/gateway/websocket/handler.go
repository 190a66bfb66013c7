package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/events"
	"github.com/sandboxctl/backend/internal/events/bus"
	"github.com/sandboxctl/backend/internal/logger"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control plane fronts a local dev UI; origin enforcement belongs
	// to the deployment proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterRoutes mounts the WebSocket endpoint on the gin router.
func RegisterRoutes(router *gin.Engine, hub *Hub, log *logger.Logger) {
	router.GET("/ws", func(c *gin.Context) {
		// Not the request context: it is cancelled when the handler
		// returns, and the hijacked connection outlives it.
		serveWS(context.Background(), hub, c.Writer, c.Request, log)
	})
}

func serveWS(ctx context.Context, hub *Hub, w http.ResponseWriter, r *http.Request, log *logger.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, hub, log)
	hub.Register(client)

	go client.WritePump()
	go client.ReadPump(ctx)
}

// BindProjectBroadcasts subscribes the hub to the registry's project
// change events and relays them to every connected client.
func BindProjectBroadcasts(eventBus bus.EventBus, hub *Hub, log *logger.Logger) error {
	relay := func(action string) bus.EventHandler {
		return func(_ context.Context, evt *bus.Event) error {
			msg, err := ws.NewNotification(action, evt.Data)
			if err != nil {
				return err
			}
			hub.BroadcastProjects(msg)
			return nil
		}
	}

	subjects := map[string]string{
		events.ProjectCreated: ws.ActionProjectCreated,
		events.ProjectUpdated: ws.ActionProjectUpdated,
		events.ProjectDeleted: ws.ActionProjectDeleted,
	}
	for subject, action := range subjects {
		if _, err := eventBus.Subscribe(subject, relay(action)); err != nil {
			log.Error("failed to subscribe to project events", zap.String("subject", subject), zap.Error(err))
			return err
		}
	}
	return nil
}
