package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"site-audit-coordinator/internal/models"
)

func TestRunReturnsReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audits/a1/run" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"report_html":"<html>ok</html>"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	html, err := c.Run(context.Background(), models.Audit{ID: "a1", TargetURL: "https://example.com"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if html != "<html>ok</html>" {
		t.Fatalf("unexpected report %q", html)
	}
}

func TestRunMapsTargetErrors(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		permanent bool
	}{
		{"not found", `{"error":"fetch failed","target_status":404}`, true},
		{"forbidden", `{"error":"fetch failed","target_status":403}`, true},
		{"dns", `{"error":"fetch failed","target_reason":"dns"}`, true},
		{"refused", `{"error":"fetch failed","target_reason":"connection_refused"}`, true},
		{"server error", `{"error":"fetch failed","target_status":500}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second)
			_, err := c.Run(context.Background(), models.Audit{ID: "a1"})
			var te *TargetError
			if !errors.As(err, &te) {
				t.Fatalf("expected TargetError, got %v", err)
			}
			if te.Permanent() != tc.permanent {
				t.Fatalf("Permanent() = %v, want %v", te.Permanent(), tc.permanent)
			}
		})
	}
}

func TestRunOpaquePipelineFailureIsNotTargetError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"crawler crashed"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Run(context.Background(), models.Audit{ID: "a1"})
	if err == nil {
		t.Fatal("expected error")
	}
	var te *TargetError
	if errors.As(err, &te) {
		t.Fatal("opaque pipeline failure must not classify as target error")
	}
}
