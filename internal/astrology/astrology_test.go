package astrology

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

var sampleBirthData = BirthData{
	Name:      "Asha",
	Date:      "1990-04-12",
	Time:      "06:45",
	Place:     "Pune",
	Latitude:  18.52,
	Longitude: 73.85,
}

func TestPredictSendsRequestAndDecodesPrediction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != predictPath || request.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if request.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing api key, got %q", request.Header.Get("Authorization"))
		}
		decoded := predictRequest{}
		if err := json.NewDecoder(request.Body).Decode(&decoded); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if decoded.Kind != KindHoroscope || decoded.BirthData.Name != "Asha" {
			t.Errorf("unexpected payload: %+v", decoded)
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"prediction":"A calm week."}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL + "/", APIKey: "secret"}, server.Client(), nil)
	if err != nil {
		t.Fatalf("client init failed: %v", err)
	}
	prediction, err := client.Predict(context.Background(), sampleBirthData, KindHoroscope)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if prediction != "A calm week." {
		t.Fatalf("unexpected prediction %q", prediction)
	}
}

func TestPredictMapsUpstreamFailures(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{"error":"upstream down"}`},
		{name: "empty prediction", status: http.StatusOK, body: `{"prediction":"  "}`},
		{name: "garbage", status: http.StatusOK, body: `not json`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			defer server.Close()
			client, err := NewClient(Config{BaseURL: server.URL}, server.Client(), nil)
			if err != nil {
				t.Fatalf("client init failed: %v", err)
			}
			if _, err := client.Predict(context.Background(), sampleBirthData, KindNumerology); !errors.Is(err, ErrUpstream) {
				t.Fatalf("expected upstream error, got %v", err)
			}
		})
	}
}

func TestPredictValidatesInputBeforeCallingOut(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = writer.Write([]byte(`{"prediction":"x"}`))
	}))
	defer server.Close()
	client, err := NewClient(Config{BaseURL: server.URL}, server.Client(), nil)
	if err != nil {
		t.Fatalf("client init failed: %v", err)
	}
	invalid := sampleBirthData
	invalid.Date = "12/04/1990"
	if _, err := client.Predict(context.Background(), invalid, KindHoroscope); !errors.Is(err, ErrInvalidBirthData) {
		t.Fatalf("expected birth data error, got %v", err)
	}
	invalid = sampleBirthData
	invalid.Latitude = 120
	if _, err := client.Predict(context.Background(), invalid, KindHoroscope); !errors.Is(err, ErrInvalidBirthData) {
		t.Fatalf("expected coordinate error, got %v", err)
	}
	if _, err := client.Predict(context.Background(), sampleBirthData, Kind("tarot")); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected kind error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", calls)
	}
	if _, err := NewClient(Config{}, nil, nil); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestPredictHonorsRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte(`{"prediction":"ok"}`))
	}))
	defer server.Close()
	client, err := NewClient(Config{BaseURL: server.URL, RatePerSecond: 0.001, Burst: 1}, server.Client(), nil)
	if err != nil {
		t.Fatalf("client init failed: %v", err)
	}
	if _, err := client.Predict(context.Background(), sampleBirthData, KindBirthChart); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Predict(ctx, sampleBirthData, KindBirthChart); err == nil {
		t.Fatalf("expected the limiter to refuse a cancelled wait")
	}
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind(" Matching ")
	if err != nil || kind != KindMatching {
		t.Fatalf("expected matching, got %q (%v)", kind, err)
	}
}
