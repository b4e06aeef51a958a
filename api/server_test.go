package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"njlink/config"
	"njlink/gateway"
)

func testServer(t *testing.T) (*Server, *gateway.Manager) {
	t.Helper()
	manager := gateway.NewManager(time.Second)
	cfg := &config.RESTConfig{Host: "127.0.0.1", Port: 0}
	return NewServer(manager, cfg), manager
}

func TestListPLCsEmpty(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var plcs []PLCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &plcs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(plcs) != 0 {
		t.Errorf("expected empty list, got %d entries", len(plcs))
	}
}

func TestListPLCs(t *testing.T) {
	srv, manager := testServer(t)
	manager.AddPLC(&config.PLCConfig{Name: "Line1", Host: "192.168.1.10"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var plcs []PLCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &plcs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(plcs) != 1 {
		t.Fatalf("expected 1 controller, got %d", len(plcs))
	}
	if plcs[0].Name != "Line1" || plcs[0].Host != "192.168.1.10" {
		t.Errorf("plc = %+v", plcs[0])
	}
	if plcs[0].Status != "Disconnected" {
		t.Errorf("status = %q", plcs[0].Status)
	}
}

func TestPLCDetailsNotFound(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHealthOffline(t *testing.T) {
	srv, manager := testServer(t)
	manager.AddPLC(&config.PLCConfig{Name: "Line1", Host: "h"})

	req := httptest.NewRequest(http.MethodGet, "/Line1/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if health.Online {
		t.Error("disconnected controller should not report online")
	}
	if health.Status != "Disconnected" {
		t.Errorf("status = %q", health.Status)
	}
}

func TestVariablesEmptyWithoutDiscovery(t *testing.T) {
	srv, manager := testServer(t)
	manager.AddPLC(&config.PLCConfig{Name: "Line1", Host: "h"})

	req := httptest.NewRequest(http.MethodGet, "/Line1/variables", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var vars []VariableResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &vars); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(vars) != 0 {
		t.Errorf("expected no variables before discovery, got %d", len(vars))
	}
}

func TestSingleVariableFromCache(t *testing.T) {
	srv, manager := testServer(t)
	manager.AddPLC(&config.PLCConfig{Name: "Line1", Host: "h"})

	plc := manager.GetPLC("Line1")
	plc.Values["Counter"] = &gateway.VariableValue{
		Name:      "Counter",
		Type:      "INT",
		Value:     int16(42),
		Timestamp: time.Now().UTC(),
	}

	req := httptest.NewRequest(http.MethodGet, "/Line1/variables/Counter", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var v VariableResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Name != "Counter" || v.Type != "INT" {
		t.Errorf("variable = %+v", v)
	}
	if v.Value.(float64) != 42 {
		t.Errorf("value = %v", v.Value)
	}
}

func TestSingleVariableNotFound(t *testing.T) {
	srv, manager := testServer(t)
	manager.AddPLC(&config.PLCConfig{Name: "Line1", Host: "h"})

	req := httptest.NewRequest(http.MethodGet, "/Line1/variables/Missing", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWrite(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		srv, manager := testServer(t)
		manager.AddPLC(&config.PLCConfig{Name: "Line1", Host: "h"})

		req := httptest.NewRequest(http.MethodPost, "/Line1/write", bytes.NewBufferString("{nope"))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("name mismatch", func(t *testing.T) {
		srv, manager := testServer(t)
		manager.AddPLC(&config.PLCConfig{Name: "Line1", Host: "h"})

		body, _ := json.Marshal(WriteRequest{PLC: "Other", Variable: "Counter", Value: 1})
		req := httptest.NewRequest(http.MethodPost, "/Line1/write", bytes.NewBuffer(body))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}

		var resp WriteResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Success {
			t.Error("mismatched write should not succeed")
		}
	})

	t.Run("missing variable name", func(t *testing.T) {
		srv, manager := testServer(t)
		manager.AddPLC(&config.PLCConfig{Name: "Line1", Host: "h"})

		body, _ := json.Marshal(WriteRequest{Value: 1})
		req := httptest.NewRequest(http.MethodPost, "/Line1/write", bytes.NewBuffer(body))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		srv, manager := testServer(t)
		manager.AddPLC(&config.PLCConfig{Name: "Line1", Host: "h"})

		body, _ := json.Marshal(WriteRequest{Variable: "Counter", Value: 1})
		req := httptest.NewRequest(http.MethodPost, "/Line1/write", bytes.NewBuffer(body))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}

		var resp WriteResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Error != "controller not connected" {
			t.Errorf("error = %q", resp.Error)
		}
	})

	t.Run("unknown controller", func(t *testing.T) {
		srv, _ := testServer(t)

		body, _ := json.Marshal(WriteRequest{Variable: "Counter", Value: 1})
		req := httptest.NewRequest(http.MethodPost, "/nope/write", bytes.NewBuffer(body))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestCORS(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestSSEFilters(t *testing.T) {
	t.Run("plc filter", func(t *testing.T) {
		c := &sseClient{plcFilter: "Line1"}
		if !c.wants(sseEvent{Type: eventValueChange, PLC: "Line1"}) {
			t.Error("matching controller should pass")
		}
		if c.wants(sseEvent{Type: eventValueChange, PLC: "Line2"}) {
			t.Error("other controller should be filtered")
		}
	})

	t.Run("type filter", func(t *testing.T) {
		c := &sseClient{typeFilter: map[string]bool{eventStatusChange: true}}
		if c.wants(sseEvent{Type: eventValueChange}) {
			t.Error("unsubscribed type should be filtered")
		}
		if !c.wants(sseEvent{Type: eventStatusChange}) {
			t.Error("subscribed type should pass")
		}
	})
}

func TestSSEHubBroadcast(t *testing.T) {
	hub := newSSEHub()
	client := &sseClient{events: make(chan sseEvent, 4)}
	hub.add(client)

	hub.broadcast(sseEvent{Type: eventValueChange, PLC: "Line1"})

	select {
	case ev := <-client.events:
		if ev.PLC != "Line1" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("no event delivered")
	}

	hub.remove(client)
	if hub.clientCount() != 0 {
		t.Errorf("client count = %d after remove", hub.clientCount())
	}

	if _, ok := <-client.events; ok {
		t.Error("events channel should be closed")
	}
}
