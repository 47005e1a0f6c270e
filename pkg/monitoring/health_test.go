package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHealthCheckerAllHealthy(t *testing.T) {
	hc := NewHealthChecker("skywatch", "v1")
	hc.AddCheck("a", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("b", func() CheckResult { return CheckResult{Status: StatusHealthy} })

	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}
	if len(status.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(status.Checks))
	}
}

func TestHealthCheckerDegradedDoesNotFailEndpoint(t *testing.T) {
	hc := NewHealthChecker("skywatch", "v1")
	hc.AddCheck("link", UpstreamLinkHealthCheck(func() bool { return false }))

	status := hc.CheckHealth()
	if status.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", hc.Handler())
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("degraded health should still return 200, got %d", w.Code)
	}
}

func TestHealthCheckerUnhealthy(t *testing.T) {
	hc := NewHealthChecker("skywatch", "v1")
	hc.AddCheck("db", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })

	status := hc.CheckHealth()
	if status.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", status.Status)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", hc.Handler())
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestUpstreamLinkHealthCheck(t *testing.T) {
	up := UpstreamLinkHealthCheck(func() bool { return true })()
	if up.Status != StatusHealthy {
		t.Errorf("connected link should be healthy, got %s", up.Status)
	}
	down := UpstreamLinkHealthCheck(func() bool { return false })()
	if down.Status != StatusDegraded {
		t.Errorf("disconnected link should be degraded, got %s", down.Status)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	ok := ConfigurationHealthCheck(map[string]string{"DATABASE_PATH": "/tmp/x.db"})()
	if ok.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", ok.Status)
	}
	missing := ConfigurationHealthCheck(map[string]string{"DATABASE_PATH": ""})()
	if missing.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", missing.Status)
	}
}
