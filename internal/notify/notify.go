// Package notify delivers push notifications through Firebase Cloud Messaging.
package notify

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

var ErrInvalidNotifierConfig = errors.New("invalid notifier config")

var (
	_ session.Notifier = (*FCMNotifier)(nil)
	_ session.Notifier = (*LogNotifier)(nil)
)

// TokenResolver finds the device tokens registered for an account.
type TokenResolver interface {
	DeviceTokens(ctx context.Context, accountID string) ([]string, error)
}

// TokenPruner forgets tokens FCM reports as unregistered.
type TokenPruner interface {
	RemoveDeviceToken(ctx context.Context, token string) error
}

// Sender is the subset of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier pushes to every device of an account.
type FCMNotifier struct {
	sender   Sender
	resolver TokenResolver
	logger   *zap.Logger
}

// NewFCMNotifier wires a sender and token resolver.
func NewFCMNotifier(sender Sender, resolver TokenResolver, logger *zap.Logger) (*FCMNotifier, error) {
	if sender == nil || resolver == nil {
		return nil, fmt.Errorf("%w: sender and resolver are required", ErrInvalidNotifierConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FCMNotifier{sender: sender, resolver: resolver, logger: logger}, nil
}

// NewMessagingClient builds an FCM client from a service account file.
func NewMessagingClient(ctx context.Context, credentialsFile string) (*messaging.Client, error) {
	if credentialsFile == "" {
		return nil, fmt.Errorf("%w: credentials file is required", ErrInvalidNotifierConfig)
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return client, nil
}

// Push sends the notification to each registered device. Unregistered tokens are pruned when the resolver supports it.
func (notifier *FCMNotifier) Push(ctx context.Context, accountID string, title string, body string) error {
	tokens, err := notifier.resolver.DeviceTokens(ctx, accountID)
	if err != nil {
		return fmt.Errorf("resolve device tokens: %w", err)
	}
	if len(tokens) == 0 {
		notifier.logger.Debug("push skipped, no devices", zap.String("account_id", accountID))
		return nil
	}
	var failures []error
	for _, token := range tokens {
		message := &messaging.Message{
			Token:        token,
			Notification: &messaging.Notification{Title: title, Body: body},
			Data:         map[string]string{"account_id": accountID},
		}
		if _, sendErr := notifier.sender.Send(ctx, message); sendErr != nil {
			if messaging.IsRegistrationTokenNotRegistered(sendErr) {
				notifier.prune(ctx, token)
				continue
			}
			failures = append(failures, sendErr)
		}
	}
	if len(failures) == len(tokens) {
		return fmt.Errorf("push to %s: %w", accountID, errors.Join(failures...))
	}
	if len(failures) > 0 {
		notifier.logger.Warn("push partially failed", zap.String("account_id", accountID), zap.Int("failed", len(failures)), zap.Error(errors.Join(failures...)))
	}
	return nil
}

func (notifier *FCMNotifier) prune(ctx context.Context, token string) {
	pruner, ok := notifier.resolver.(TokenPruner)
	if !ok {
		return
	}
	if err := pruner.RemoveDeviceToken(ctx, token); err != nil {
		notifier.logger.Warn("device token prune failed", zap.Error(err))
	}
}

// LogNotifier records pushes in the log when FCM is not configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (notifier *LogNotifier) Push(_ context.Context, accountID string, title string, body string) error {
	notifier.logger.Info("push notification", zap.String("account_id", accountID), zap.String("title", title), zap.String("body", body))
	return nil
}
