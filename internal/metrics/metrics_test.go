package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/process/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, tok := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/process/"+tok, nil))
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/process/{token}", "404"))
	if got != 3 {
		t.Fatalf("expected 3 requests under one route label, got %v", got)
	}
}

func TestConfirmationCounters(t *testing.T) {
	m := New()
	m.Confirmation("PASSWD", "ok")
	m.Confirmation("PASSWD", "ok")
	m.RequestCreated("EMAIL")
	m.Purged(4)

	if v := testutil.ToFloat64(m.confirmations.WithLabelValues("PASSWD", "ok")); v != 2 {
		t.Fatalf("expected 2 confirmations, got %v", v)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"webldap_requests_created_total", "webldap_requests_purged_total 4"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Confirmation("ACCOUNT", "ok")
	m.RequestCreated("ACCOUNT")
	h := m.Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
