package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/broadcast"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 1024

	queueUpdateEvent = "queue:update"
)

// SubscribeMessage joins the connection to one provider's day.
type SubscribeMessage struct {
	ProviderID string `json:"providerId"`
	Day        string `json:"day"`
}

type wsEnvelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type WebsocketHandler struct {
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWebsocketHandler(hub *broadcast.Hub, logger *zap.Logger) *WebsocketHandler {
	return &WebsocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// queue displays are served from other origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := h.hub.Register()
	writerDone := make(chan struct{})
	go h.writeLoop(conn, client, writerDone)

	h.readLoop(conn, client)

	h.hub.Unregister(client)
	<-writerDone
	conn.Close()
}

// readLoop handles subscription messages until the connection drops.
func (h *WebsocketHandler) readLoop(conn *websocket.Conn, client *broadcast.Client) {
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed subscription", zap.Error(err))
			continue
		}

		providerID, err := uuid.Parse(msg.ProviderID)
		if err != nil {
			h.logger.Debug("ignoring subscription with bad provider id", zap.String("provider_id", msg.ProviderID))
			continue
		}
		ch, err := broadcast.NewChannel(providerID, msg.Day)
		if err != nil {
			h.logger.Debug("ignoring subscription with bad day", zap.String("day", msg.Day))
			continue
		}

		client.Join(ch)
		h.logger.Debug("websocket joined channel", zap.String("channel", ch.Key()))
	}
}

func (h *WebsocketHandler) writeLoop(conn *websocket.Conn, client *broadcast.Client, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			err := conn.WriteJSON(wsEnvelope{
				Event:   queueUpdateEvent,
				Channel: msg.Channel.Key(),
				Data:    json.RawMessage(msg.Payload),
			})
			if err != nil {
				// unblocks readLoop
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
