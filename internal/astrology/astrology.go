// Package astrology calls the external prediction service on behalf of users.
package astrology

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	predictPath          = "/v1/predictions"
	defaultTimeout       = 10 * time.Second
	defaultRatePerSecond = 5
	defaultBurst         = 10
	maxResponseBytes     = 1 << 20
	birthDateLayout      = "2006-01-02"
	birthTimeLayout      = "15:04"
)

var (
	ErrInvalidClientConfig = errors.New("invalid astrology client config")
	ErrInvalidBirthData    = errors.New("invalid birth data")
	ErrUnsupportedKind     = errors.New("unsupported prediction kind")
	ErrUpstream            = errors.New("astrology service error")
)

// Kind selects the prediction the upstream computes.
type Kind string

const (
	KindHoroscope  Kind = "horoscope"
	KindNumerology Kind = "numerology"
	KindBirthChart Kind = "birth_chart"
	KindMatching   Kind = "matching"
)

// ParseKind validates a prediction kind.
func ParseKind(raw string) (Kind, error) {
	switch kind := Kind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindHoroscope, KindNumerology, KindBirthChart, KindMatching:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, raw)
	}
}

// BirthData is what every prediction needs.
type BirthData struct {
	Name      string  `json:"name"`
	Date      string  `json:"date"`
	Time      string  `json:"time,omitempty"`
	Place     string  `json:"place,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone,omitempty"`
}

// Validate checks formats and coordinate ranges.
func (birthData BirthData) Validate() error {
	if strings.TrimSpace(birthData.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidBirthData)
	}
	if _, err := time.Parse(birthDateLayout, birthData.Date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidBirthData)
	}
	if birthData.Time != "" {
		if _, err := time.Parse(birthTimeLayout, birthData.Time); err != nil {
			return fmt.Errorf("%w: time must be HH:MM", ErrInvalidBirthData)
		}
	}
	if birthData.Latitude < -90 || birthData.Latitude > 90 || birthData.Longitude < -180 || birthData.Longitude > 180 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidBirthData)
	}
	if birthData.Timezone != "" {
		if _, err := time.LoadLocation(birthData.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrInvalidBirthData, birthData.Timezone)
		}
	}
	return nil
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Client is a rate limited HTTP client for the prediction service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient constructs a Client. A nil httpClient gets one with the configured timeout.
func NewClient(config Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidClientConfig)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = defaultRatePerSecond
	}
	if config.Burst <= 0 {
		config.Burst = defaultBurst
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		logger:     logger,
	}, nil
}

type predictRequest struct {
	BirthData BirthData `json:"birth_data"`
	Kind      Kind      `json:"kind"`
}

type predictResponse struct {
	Prediction string `json:"prediction"`
	Error      string `json:"error"`
}

// Predict returns the upstream prediction text. It waits for the rate limiter before calling out.
func (client *Client) Predict(ctx context.Context, birthData BirthData, kind Kind) (string, error) {
	kind, err := ParseKind(string(kind))
	if err != nil {
		return "", err
	}
	if err := birthData.Validate(); err != nil {
		return "", err
	}
	if err := client.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("astrology rate limit: %w", err)
	}
	payload, err := json.Marshal(predictRequest{BirthData: birthData, Kind: kind})
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+predictPath, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	if client.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+client.apiKey)
	}
	started := time.Now()
	response, err := client.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	client.logger.Debug("astrology prediction",
		zap.String("kind", string(kind)),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(started)))
	decoded := predictResponse{}
	decodeErr := json.Unmarshal(body, &decoded)
	if response.StatusCode != http.StatusOK {
		if decodeErr == nil && decoded.Error != "" {
			return "", fmt.Errorf("%w: status %d: %s", ErrUpstream, response.StatusCode, decoded.Error)
		}
		return "", fmt.Errorf("%w: status %d", ErrUpstream, response.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrUpstream, decodeErr)
	}
	if strings.TrimSpace(decoded.Prediction) == "" {
		return "", fmt.Errorf("%w: empty prediction", ErrUpstream)
	}
	return decoded.Prediction, nil
}
