// Package media allocates call and video channels and signs the join tokens clients present to the media relay.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	channelPrefix       = "ch-"
	defaultTokenTTL     = 2 * time.Hour
	defaultTokenIssuer  = "consult-media"
	defaultChannelLimit = 1000
)

var (
	ErrInvalidProviderConfig = errors.New("invalid media provider config")
	ErrCapacityExceeded      = errors.New("media capacity exceeded")
	ErrChannelNotFound       = errors.New("media channel not found")
)

var _ session.MediaProvider = (*Provider)(nil)

// ChannelClaims are embedded in every join token.
type ChannelClaims struct {
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Config configures a Provider.
type Config struct {
	SigningKey []byte
	Issuer     string
	TokenTTL   time.Duration
	MaxActive  int
}

// Provider keeps the set of open channels in memory.
type Provider struct {
	signingKey []byte
	issuer     string
	tokenTTL   time.Duration
	maxActive  int
	now        func() time.Time
	logger     *zap.Logger

	mutex    sync.Mutex
	channels map[string]string
}

// Option customizes a Provider.
type Option func(*Provider)

// WithClock overrides the token clock.
func WithClock(now func() time.Time) Option {
	return func(provider *Provider) {
		if now != nil {
			provider.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(provider *Provider) {
		if logger != nil {
			provider.logger = logger
		}
	}
}

// NewProvider constructs a Provider.
func NewProvider(config Config, options ...Option) (*Provider, error) {
	if len(config.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidProviderConfig)
	}
	provider := &Provider{
		signingKey: config.SigningKey,
		issuer:     config.Issuer,
		tokenTTL:   config.TokenTTL,
		maxActive:  config.MaxActive,
		now:        time.Now,
		logger:     zap.NewNop(),
		channels:   make(map[string]string),
	}
	if provider.issuer == "" {
		provider.issuer = defaultTokenIssuer
	}
	if provider.tokenTTL <= 0 {
		provider.tokenTTL = defaultTokenTTL
	}
	if provider.maxActive <= 0 {
		provider.maxActive = defaultChannelLimit
	}
	for _, option := range options {
		if option != nil {
			option(provider)
		}
	}
	return provider, nil
}

// AcquireChannel opens a channel for a session and signs its join token.
func (provider *Provider) AcquireChannel(ctx context.Context, sessionID string) (session.Channel, error) {
	if err := ctx.Err(); err != nil {
		return session.Channel{}, err
	}
	channelID := channelPrefix + uuid.NewString()
	provider.mutex.Lock()
	if len(provider.channels) >= provider.maxActive {
		provider.mutex.Unlock()
		return session.Channel{}, fmt.Errorf("%w: %d channels open", ErrCapacityExceeded, provider.maxActive)
	}
	provider.channels[channelID] = sessionID
	provider.mutex.Unlock()

	token, err := provider.sign(channelID, sessionID)
	if err != nil {
		provider.mutex.Lock()
		delete(provider.channels, channelID)
		provider.mutex.Unlock()
		return session.Channel{}, err
	}
	provider.logger.Debug("media channel acquired", zap.String("channel_id", channelID), zap.String("session_id", sessionID))
	return session.Channel{ID: channelID, Token: token}, nil
}

// Release closes a channel.
func (provider *Provider) Release(_ context.Context, channelID string) error {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	if _, ok := provider.channels[channelID]; !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	delete(provider.channels, channelID)
	return nil
}

// Active reports the number of open channels.
func (provider *Provider) Active() int {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return len(provider.channels)
}

// ParseToken validates a join token and returns its claims.
func (provider *Provider) ParseToken(rawToken string) (ChannelClaims, error) {
	claims := ChannelClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(provider.issuer),
		jwt.WithTimeFunc(provider.now),
	)
	if _, err := parser.ParseWithClaims(rawToken, &claims, func(*jwt.Token) (any, error) {
		return provider.signingKey, nil
	}); err != nil {
		return ChannelClaims{}, err
	}
	return claims, nil
}

func (provider *Provider) sign(channelID string, sessionID string) (string, error) {
	issuedAt := provider.now().UTC()
	claims := ChannelClaims{
		ChannelID: channelID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    provider.issuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(provider.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(provider.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign media token: %w", err)
	}
	return signed, nil
}
