package homeassistant

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testClient(url string) *Client {
	return NewClient(url, "test-token", slog.New(slog.DiscardHandler))
}

func TestExecuteCallsService(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"entity_id":"light.kitchen","state":"on"}]`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	result, err := c.Execute(context.Background(), "light.turn_on", map[string]any{
		"entity_id":  "light.kitchen",
		"brightness": float64(200),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotPath != "/api/services/light/turn_on" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["entity_id"] != "light.kitchen" || gotBody["brightness"] != float64(200) {
		t.Errorf("body = %v", gotBody)
	}

	if result["success"] != true {
		t.Errorf("result = %v", result)
	}
	changed, ok := result["changed_entities"].([]string)
	if !ok || len(changed) != 1 || changed[0] != "light.kitchen" {
		t.Errorf("changed_entities = %v", result["changed_entities"])
	}
}

func TestExecuteRejectsBadServiceName(t *testing.T) {
	c := testClient("http://localhost:1")

	for _, service := range []string{"nodot", ".turn_on", "light.", ""} {
		if _, err := c.Execute(context.Background(), service, nil); err == nil {
			t.Errorf("Execute(%q) should fail", service)
		}
	}
}

func TestExecuteSurfacesAPIErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantSub string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"Invalid token"}`, "authentication failed"},
		{"bad request", http.StatusBadRequest, `{"message":"no such service"}`, "status 400"},
		{"server error", http.StatusInternalServerError, "boom", "status 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).Execute(context.Background(), "light.turn_on", nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("err = %v, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestExecuteToleratesNonListResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	result, err := testClient(srv.URL).Execute(context.Background(), "script.open_door", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["success"] != true {
		t.Errorf("result = %v", result)
	}
}

func TestConfigured(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	if !NewClient("http://ha:8123", "tok", logger).Configured() {
		t.Error("client with url and token should be configured")
	}
	if NewClient("http://ha:8123", "", logger).Configured() {
		t.Error("client without token should not be configured")
	}
	if NewClient("", "tok", logger).Configured() {
		t.Error("client without url should not be configured")
	}
}
