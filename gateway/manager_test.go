package gateway

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"njlink/cip"
	"njlink/config"
	"njlink/nseries"
)

func TestManagerAddRemove(t *testing.T) {
	m := NewManager(time.Second)

	cfg := &config.PLCConfig{Name: "Line1", Host: "192.168.1.10"}
	if err := m.AddPLC(cfg); err != nil {
		t.Fatalf("AddPLC error: %v", err)
	}

	if m.GetPLC("Line1") == nil {
		t.Fatal("GetPLC returned nil after AddPLC")
	}
	if len(m.ListPLCs()) != 1 {
		t.Errorf("ListPLCs length = %d, want 1", len(m.ListPLCs()))
	}

	// Adding the same name again is a no-op
	if err := m.AddPLC(cfg); err != nil {
		t.Fatalf("second AddPLC error: %v", err)
	}
	if len(m.ListPLCs()) != 1 {
		t.Errorf("duplicate AddPLC changed list length to %d", len(m.ListPLCs()))
	}

	if err := m.RemovePLC("Line1"); err != nil {
		t.Fatalf("RemovePLC error: %v", err)
	}
	if m.GetPLC("Line1") != nil {
		t.Error("controller still present after RemovePLC")
	}
}

func TestLoadFromConfig(t *testing.T) {
	m := NewManager(time.Second)
	m.LoadFromConfig(&config.Config{
		PLCs: []config.PLCConfig{
			{Name: "Line1", Host: "h1"},
			{Name: "Line2", Host: "h2"},
		},
	})

	if len(m.ListPLCs()) != 2 {
		t.Fatalf("ListPLCs length = %d, want 2", len(m.ListPLCs()))
	}
}

func TestManagedPLCStatus(t *testing.T) {
	plc := &ManagedPLC{
		Config: &config.PLCConfig{Name: "Line1"},
		Status: StatusDisconnected,
		Values: make(map[string]*VariableValue),
	}

	if plc.GetStatus() != StatusDisconnected {
		t.Errorf("status = %v", plc.GetStatus())
	}

	h := plc.GetHealthStatus()
	if h.Online {
		t.Error("disconnected controller should not be online")
	}
	if h.Status != "Disconnected" {
		t.Errorf("health status = %q", h.Status)
	}

	plc.Status = StatusError
	plc.LastError = errors.New("connection refused")
	h = plc.GetHealthStatus()
	if h.Error != "connection refused" {
		t.Errorf("health error = %q", h.Error)
	}
}

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
		{ConnectionStatus(99), "Unknown"},
	}
	for _, tc := range tests {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestPollNames(t *testing.T) {
	t.Run("configured list wins", func(t *testing.T) {
		plc := &ManagedPLC{
			Config: &config.PLCConfig{Name: "Line1", Variables: []string{"A", "B"}},
		}
		names := plc.pollNames()
		if len(names) != 2 || names[0] != "A" || names[1] != "B" {
			t.Errorf("pollNames = %v", names)
		}
	})

	t.Run("no registry and no list means nothing to poll", func(t *testing.T) {
		plc := &ManagedPLC{Config: &config.PLCConfig{Name: "Line1"}}
		if names := plc.pollNames(); len(names) != 0 {
			t.Errorf("pollNames = %v, want empty", names)
		}
	})
}

func TestGetVariableInfoWithoutRegistry(t *testing.T) {
	plc := &ManagedPLC{Config: &config.PLCConfig{Name: "Line1"}}
	if found, _ := plc.GetVariableInfo("Counter"); found {
		t.Error("variable should not be found without a registry")
	}
}

func TestVariableErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"cip status error", &cip.StatusError{Status: cip.StatusPathUnknown}, true},
		{"wrapped status error", fmt.Errorf("read: %w", &cip.StatusError{Status: 0x05}), true},
		{"name not found", nseries.ErrNameNotFound, true},
		{"unresolved type", fmt.Errorf("x: %w", nseries.ErrUnresolvedType), true},
		{"transport error", errors.New("write tcp: broken pipe"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := variableError(tc.err); got != tc.want {
				t.Errorf("variableError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestVariableValueGoValue(t *testing.T) {
	v := &VariableValue{Name: "Counter", Value: int16(42)}
	if v.GoValue() != int16(42) {
		t.Errorf("GoValue = %v", v.GoValue())
	}

	v.Error = errors.New("read failed")
	if v.GoValue() != nil {
		t.Error("GoValue should be nil when the read failed")
	}

	var nilVal *VariableValue
	if nilVal.GoValue() != nil {
		t.Error("nil value should yield nil")
	}
}

func TestGetAllCurrentValues(t *testing.T) {
	m := NewManager(time.Second)
	m.AddPLC(&config.PLCConfig{Name: "Line1", Host: "h1"})

	plc := m.GetPLC("Line1")
	plc.mu.Lock()
	plc.Values["Counter"] = &VariableValue{Name: "Counter", Type: "INT", Value: int16(42)}
	plc.Values["Broken"] = &VariableValue{Name: "Broken", Error: errors.New("boom")}
	plc.mu.Unlock()

	all := m.GetAllCurrentValues()
	if len(all) != 1 {
		t.Fatalf("GetAllCurrentValues length = %d, want 1 (errored values excluded)", len(all))
	}
	if all[0].PLCName != "Line1" || all[0].VarName != "Counter" {
		t.Errorf("change = %+v", all[0])
	}
}

func TestSendChangesDropsOldestOnOverflow(t *testing.T) {
	m := NewManager(time.Second)

	// Fill the aggregation channel past capacity; sendChanges must never
	// block the polling goroutine.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 250; i++ {
			m.sendChanges([]ValueChange{{PLCName: "Line1", VarName: "v", Value: i}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sendChanges blocked on a full channel")
	}
}

func TestWriteToUnknownController(t *testing.T) {
	m := NewManager(time.Second)
	if err := m.WriteVariable("nope", "Counter", 1); err == nil {
		t.Error("expected error for unknown controller")
	}
	if _, err := m.ReadVariable("nope", "Counter"); err == nil {
		t.Error("expected error for unknown controller")
	}
}

func TestWriteToDisconnectedController(t *testing.T) {
	m := NewManager(time.Second)
	m.AddPLC(&config.PLCConfig{Name: "Line1", Host: "h1"})

	if err := m.WriteVariable("Line1", "Counter", 1); err == nil {
		t.Error("expected error for disconnected controller")
	}
}
