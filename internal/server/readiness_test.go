package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sluice-io/sluice/internal/kvstore"
)

func TestHealthServer_Readyz_OK(t *testing.T) {
	h := NewHealthServer(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}
}

func TestHealthServer_Readyz_ShuttingDown(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetShuttingDown()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "shutting_down" {
		t.Errorf("expected status 'shutting_down', got %q", status.Status)
	}

	if check, ok := status.Checks["shutdown"]; !ok || check.Healthy {
		t.Error("expected shutdown check to be unhealthy")
	}
}

func TestHealthServer_Readyz_WithHealthyCheck(t *testing.T) {
	h := NewHealthServer(":0", nil)

	// Register a healthy checker
	checker := NewFuncChecker("test_component", func(ctx context.Context) error {
		return nil
	})
	h.RegisterReadinessCheck(checker)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}

	check, ok := status.Checks["test_component"]
	if !ok {
		t.Fatal("expected test_component check to be present")
	}
	if !check.Healthy {
		t.Error("expected test_component check to be healthy")
	}
	if check.Message != "healthy" {
		t.Errorf("expected message 'healthy', got %q", check.Message)
	}
}

func TestHealthServer_Readyz_WithUnhealthyCheck(t *testing.T) {
	h := NewHealthServer(":0", nil)

	// Register an unhealthy checker
	checker := NewFuncChecker("failing_component", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	h.RegisterReadinessCheck(checker)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", status.Status)
	}

	check, ok := status.Checks["failing_component"]
	if !ok {
		t.Fatal("expected failing_component check to be present")
	}
	if check.Healthy {
		t.Error("expected failing_component check to be unhealthy")
	}
	if check.Message != "connection refused" {
		t.Errorf("expected message 'connection refused', got %q", check.Message)
	}
}

func TestHealthServer_Readyz_MultipleChecks(t *testing.T) {
	h := NewHealthServer(":0", nil)

	// Register multiple checkers - one healthy, one unhealthy
	h.RegisterReadinessCheck(NewFuncChecker("healthy_component", func(ctx context.Context) error {
		return nil
	}))
	h.RegisterReadinessCheck(NewFuncChecker("unhealthy_component", func(ctx context.Context) error {
		return errors.New("service unavailable")
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", status.Status)
	}

	// Check healthy component
	check, ok := status.Checks["healthy_component"]
	if !ok {
		t.Fatal("expected healthy_component check to be present")
	}
	if !check.Healthy {
		t.Error("expected healthy_component check to be healthy")
	}

	// Check unhealthy component
	check, ok = status.Checks["unhealthy_component"]
	if !ok {
		t.Fatal("expected unhealthy_component check to be present")
	}
	if check.Healthy {
		t.Error("expected unhealthy_component check to be unhealthy")
	}
}

func TestHealthServer_Readyz_MethodNotAllowed(t *testing.T) {
	h := NewHealthServer(":0", nil)

	req := httptest.NewRequest(http.MethodPost, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestHealthServer_Readyz_HeadMethod(t *testing.T) {
	h := NewHealthServer(":0", nil)

	req := httptest.NewRequest(http.MethodHead, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	// HEAD should not have a body
	if w.Body.Len() > 0 {
		t.Error("HEAD response should not have a body")
	}
}

func TestHealthServer_Readyz_Timeout(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetReadinessTimeout(50 * time.Millisecond)

	// Register a slow checker that will timeout
	checker := NewFuncChecker("slow_component", func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	h.RegisterReadinessCheck(checker)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", status.Status)
	}

	check, ok := status.Checks["slow_component"]
	if !ok {
		t.Fatal("expected slow_component check to be present")
	}
	if check.Healthy {
		t.Error("expected slow_component check to be unhealthy due to timeout")
	}
}

func TestHealthServer_Readyz_ContentType(t *testing.T) {
	h := NewHealthServer(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", contentType)
	}
}

func TestHealthServer_CheckReadiness(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.RegisterReadinessCheck(NewFuncChecker("component", func(ctx context.Context) error {
		return nil
	}))

	status := h.CheckReadiness(context.Background())

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}

	if check, ok := status.Checks["component"]; !ok || !check.Healthy {
		t.Error("expected component check to be healthy")
	}
}

func TestHealthServer_StartWithReadyz(t *testing.T) {
	h := NewHealthServer("127.0.0.1:0", nil)
	h.RegisterReadinessCheck(NewFuncChecker("test", func(ctx context.Context) error {
		return nil
	}))

	if err := h.Start(); err != nil {
		t.Fatalf("failed to start health server: %v", err)
	}
	defer h.Close()

	// Give the server time to start
	time.Sleep(50 * time.Millisecond)

	// Make a request to /readyz
	resp, err := http.Get("http://" + h.Addr() + "/readyz")
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}
}

func TestSubstrateChecker_Healthy(t *testing.T) {
	kv := kvstore.NewMockStore()
	defer kv.Close()

	checker := NewSubstrateChecker(kv)

	if checker.Name() != "substrate" {
		t.Errorf("expected name 'substrate', got %q", checker.Name())
	}

	// Probe key does not exist; the check should still pass.
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
}

func TestSubstrateChecker_NotConfigured(t *testing.T) {
	checker := NewSubstrateChecker(nil)

	err := checker.CheckReady(context.Background())
	if err == nil {
		t.Error("expected error when substrate not configured")
	}
}

func TestSubstrateChecker_StoreClosed(t *testing.T) {
	kv := kvstore.NewMockStore()
	kv.Close()

	checker := NewSubstrateChecker(kv)

	err := checker.CheckReady(context.Background())
	if err == nil {
		t.Fatal("expected error for closed substrate")
	}
	if !errors.Is(err, kvstore.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got: %v", err)
	}
}

func TestSubstrateChecker_InReadyz(t *testing.T) {
	kv := kvstore.NewMockStore()
	defer kv.Close()

	h := NewHealthServer(":0", nil)
	h.RegisterReadinessCheck(NewSubstrateChecker(kv))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if check, ok := status.Checks["substrate"]; !ok || !check.Healthy {
		t.Error("expected substrate check to be healthy")
	}
}
