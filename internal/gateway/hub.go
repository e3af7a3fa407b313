// Package gateway serves the websocket connections clients use to drive sessions and receive realtime events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/auth"
	"github.com/MarkoPoloResearchLab/consult/internal/metrics"
	"github.com/MarkoPoloResearchLab/consult/internal/realtime"
	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultSendBuffer     = 64
	defaultMaxMessageSize = 16 << 10
)

var ErrInvalidHubConfig = errors.New("invalid gateway config")

var _ realtime.Emitter = (*Hub)(nil)

// Commands is the session surface the gateway drives. *session.Manager satisfies it.
type Commands interface {
	Request(ctx context.Context, requesterID ledger.AccountID, providerID ledger.AccountID, sessionType session.Type) (session.Session, error)
	ProviderRespond(ctx context.Context, actorID ledger.AccountID, sessionID string, accept bool) (session.Session, error)
	RequesterRespond(ctx context.Context, actorID ledger.AccountID, sessionID string, accept bool) (session.Session, error)
	Join(ctx context.Context, actorID ledger.AccountID, sessionID string) (session.Session, error)
	End(ctx context.Context, actorID ledger.AccountID, sessionID string) (session.Session, error)
	SendMessage(ctx context.Context, actorID ledger.AccountID, sessionID string, body string) (session.Message, error)
	SetPresence(ctx context.Context, providerID ledger.AccountID, online bool) error
	Disconnect(ctx context.Context, accountID ledger.AccountID)
	Reconnect(ctx context.Context, accountID ledger.AccountID)
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	FromRequest(request *http.Request) (auth.Identity, error)
}

// Config tunes connection handling.
type Config struct {
	AllowedOrigins []string
	WriteWait      time.Duration
	PongWait       time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

// Hub tracks every open connection per account.
type Hub struct {
	commands      Commands
	authenticator Authenticator
	upgrader      websocket.Upgrader
	validate      *validator.Validate
	config        Config
	logger        *zap.Logger

	mutex       sync.RWMutex
	connections map[ledger.AccountID]map[*connection]struct{}
	closed      bool
}

// NewHub constructs a Hub. Commands are attached with Attach once the session manager exists.
func NewHub(authenticator Authenticator, config Config, logger *zap.Logger) (*Hub, error) {
	if authenticator == nil {
		return nil, errors.Join(ErrInvalidHubConfig, errors.New("authenticator is required"))
	}
	if config.WriteWait <= 0 {
		config.WriteWait = defaultWriteWait
	}
	if config.PongWait <= 0 {
		config.PongWait = defaultPongWait
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		authenticator: authenticator,
		validate:      newValidator(),
		config:        config,
		logger:        logger,
		connections:   make(map[ledger.AccountID]map[*connection]struct{}),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(config.AllowedOrigins),
	}
	return hub, nil
}

// Attach sets the command target.
func (hub *Hub) Attach(commands Commands) {
	hub.mutex.Lock()
	hub.commands = commands
	hub.mutex.Unlock()
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[origin] = struct{}{}
	}
	return func(request *http.Request) bool {
		origin := request.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// ServeHTTP authenticates and upgrades the request, then serves the connection until it closes.
func (hub *Hub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	identity, err := hub.authenticator.FromRequest(request)
	if err != nil {
		http.Error(writer, "unauthorized", http.StatusUnauthorized)
		return
	}
	hub.mutex.RLock()
	ready := hub.commands != nil && !hub.closed
	hub.mutex.RUnlock()
	if !ready {
		http.Error(writer, "gateway unavailable", http.StatusServiceUnavailable)
		return
	}
	socket, err := hub.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		hub.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	hub.serve(context.WithoutCancel(request.Context()), socket, identity)
}

func (hub *Hub) serve(ctx context.Context, socket *websocket.Conn, identity auth.Identity) {
	client := newConnection(hub, socket, identity)
	if !hub.register(client) {
		_ = socket.Close()
		return
	}
	hub.logger.Info("gateway connected", zap.String("account_id", identity.AccountID.String()), zap.String("role", identity.Role.String()))
	hub.commands.Reconnect(ctx, identity.AccountID)

	go client.writePump()
	client.readPump(ctx)

	if last := hub.unregister(client); last {
		hub.commands.Disconnect(ctx, identity.AccountID)
	}
	hub.logger.Info("gateway disconnected", zap.String("account_id", identity.AccountID.String()))
}

func (hub *Hub) register(client *connection) bool {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		return false
	}
	accountConnections, ok := hub.connections[client.identity.AccountID]
	if !ok {
		accountConnections = make(map[*connection]struct{})
		hub.connections[client.identity.AccountID] = accountConnections
	}
	accountConnections[client] = struct{}{}
	metrics.GatewayConnections.Inc()
	return true
}

// unregister reports whether the account has no connections left.
func (hub *Hub) unregister(client *connection) bool {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	client.close()
	accountConnections, ok := hub.connections[client.identity.AccountID]
	if !ok {
		return false
	}
	if _, present := accountConnections[client]; !present {
		return false
	}
	delete(accountConnections, client)
	metrics.GatewayConnections.Dec()
	if len(accountConnections) > 0 {
		return false
	}
	delete(hub.connections, client.identity.AccountID)
	return true
}

// Emit delivers the event to every connection of the account. Connections that cannot keep up are dropped.
func (hub *Hub) Emit(_ context.Context, accountID string, event realtime.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		hub.logger.Error("gateway event encode failed", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	target, err := ledger.NewAccountID(accountID)
	if err != nil {
		return
	}
	hub.mutex.RLock()
	targets := make([]*connection, 0, len(hub.connections[target]))
	for client := range hub.connections[target] {
		targets = append(targets, client)
	}
	hub.mutex.RUnlock()
	for _, client := range targets {
		if !client.enqueue(payload) {
			hub.logger.Warn("gateway dropping slow connection", zap.String("account_id", accountID))
			client.close()
		}
	}
}

// Connected reports how many connections an account holds.
func (hub *Hub) Connected(accountID ledger.AccountID) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.connections[accountID])
}

// Close terminates every connection and refuses new ones.
func (hub *Hub) Close() {
	hub.mutex.Lock()
	hub.closed = true
	targets := make([]*connection, 0)
	for _, accountConnections := range hub.connections {
		for client := range accountConnections {
			targets = append(targets, client)
		}
	}
	hub.mutex.Unlock()
	for _, client := range targets {
		client.close()
	}
}
