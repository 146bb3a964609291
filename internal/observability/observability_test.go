package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestReadiness(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before ready: got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	h.SetReady(true)
	h.SetComponent("postgres", true)
	h.SetComponent("nats", false)
	if h.IsReady() {
		t.Error("should not be ready while nats is down")
	}

	h.SetComponent("nats", true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ready" || body.Components["nats"] != "ok" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("got %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q): got %s, want %s", in, got, want)
		}
	}
}

func TestMetrics_ChannelUtilization(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 256, 1024)

	if got := testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")); got != 0.25 {
		t.Errorf("utilization: got %f, want 0.25", got)
	}
}
