package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "test")

	rr := httptest.NewRecorder()
	checker.Liveness(rr, httptest.NewRequest("GET", "/health/live", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Liveness returned %v, want %v", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != StatusHealthy {
		t.Errorf("Expected status %s, got %v", StatusHealthy, response["status"])
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	t.Run("healthy database", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		rr := httptest.NewRecorder()
		NewHealthChecker(db, nil, "v1").Readiness(rr, httptest.NewRequest("GET", "/health/ready", nil))

		if rr.Code != http.StatusOK {
			t.Errorf("Readiness returned %v, want %v", rr.Code, http.StatusOK)
		}

		var status HealthStatus
		if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if status.Version != "v1" {
			t.Errorf("Expected version v1, got %s", status.Version)
		}
		if status.Dependencies["database"].Status != StatusHealthy {
			t.Errorf("Expected healthy database, got %+v", status.Dependencies["database"])
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Unmet expectations: %v", err)
		}
	})

	t.Run("failed database", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection failed"))

		rr := httptest.NewRecorder()
		NewHealthChecker(db, nil, "v1").Readiness(rr, httptest.NewRequest("GET", "/health/ready", nil))

		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("Readiness returned %v, want %v", rr.Code, http.StatusServiceUnavailable)
		}
	})

	t.Run("query fails after ping", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("read only"))

		status := NewHealthChecker(db, nil, "").Check(context.Background())
		if status.Status != StatusUnhealthy {
			t.Errorf("Expected unhealthy, got %s", status.Status)
		}
	})
}

func TestHealthChecker_Redis(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		_, client := newMiniredisClient(t)

		status := NewHealthChecker(nil, client, "").Check(context.Background())
		if status.Status != StatusHealthy {
			t.Errorf("Expected healthy, got %s", status.Status)
		}
	})

	t.Run("unreachable degrades", func(t *testing.T) {
		mr, client := newMiniredisClient(t)
		mr.Close()

		status := NewHealthChecker(nil, client, "").Check(context.Background())
		if status.Status != StatusDegraded {
			t.Errorf("Expected degraded, got %s", status.Status)
		}
		if status.Dependencies["redis"].Message == "" {
			t.Error("Expected redis error message")
		}
	})
}

func TestHealthChecker_AddCheck(t *testing.T) {
	tests := []struct {
		name     string
		required bool
		err      error
		want     string
	}{
		{"passing", true, nil, StatusHealthy},
		{"required failure", true, errors.New("schema at 3 of 4 migrations"), StatusUnhealthy},
		{"optional failure", false, errors.New("unreachable"), StatusDegraded},
		{"required but degraded", true, fmt.Errorf("%w: slow", ErrDegraded), StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewHealthChecker(nil, nil, "")
			checker.AddCheck("schema", tt.required, func(ctx context.Context) error { return tt.err })

			status := checker.Check(context.Background())
			if status.Status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, status.Status)
			}
			dep := status.Dependencies["schema"]
			if dep.Required != tt.required {
				t.Errorf("Expected required=%v, got %v", tt.required, dep.Required)
			}
			if tt.err != nil && dep.Message != tt.err.Error() {
				t.Errorf("Expected message %q, got %q", tt.err.Error(), dep.Message)
			}

			rr := httptest.NewRecorder()
			checker.Readiness(rr, httptest.NewRequest("GET", "/health/ready", nil))
			wantCode := http.StatusOK
			if tt.want == StatusUnhealthy {
				wantCode = http.StatusServiceUnavailable
			}
			if rr.Code != wantCode {
				t.Errorf("Readiness returned %d, want %d", rr.Code, wantCode)
			}
		})
	}
}

func TestRegisterHealthRoutes(t *testing.T) {
	router := mux.NewRouter()
	RegisterHealthRoutes(router, NewHealthChecker(nil, nil, ""))

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s returned %d", path, rr.Code)
		}
	}
}
