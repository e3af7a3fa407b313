package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type connection struct {
	hub      *Hub
	socket   *websocket.Conn
	identity auth.Identity
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func newConnection(hub *Hub, socket *websocket.Conn, identity auth.Identity) *connection {
	return &connection{
		hub:      hub,
		socket:   socket,
		identity: identity,
		send:     make(chan []byte, hub.config.SendBuffer),
		done:     make(chan struct{}),
	}
}

// enqueue reports false when the send buffer is full.
func (client *connection) enqueue(payload []byte) bool {
	select {
	case <-client.done:
		return true
	default:
	}
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

func (client *connection) close() {
	client.once.Do(func() { close(client.done) })
}

func (client *connection) readPump(ctx context.Context) {
	config := client.hub.config
	client.socket.SetReadLimit(config.MaxMessageSize)
	_ = client.socket.SetReadDeadline(time.Now().Add(config.PongWait))
	client.socket.SetPongHandler(func(string) error {
		return client.socket.SetReadDeadline(time.Now().Add(config.PongWait))
	})
	for {
		messageType, raw, err := client.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				client.hub.logger.Debug("gateway read ended", zap.String("account_id", client.identity.AccountID.String()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if response, ok := client.hub.handle(ctx, client.identity, raw); ok {
			client.enqueue(response)
		}
	}
}

func (client *connection) writePump() {
	config := client.hub.config
	ticker := time.NewTicker(config.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = client.socket.Close()
	}()
	for {
		select {
		case payload := <-client.send:
			_ = client.socket.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := client.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				client.close()
				return
			}
		case <-ticker.C:
			_ = client.socket.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := client.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.close()
				return
			}
		case <-client.done:
			_ = client.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(config.WriteWait))
			return
		}
	}
}
