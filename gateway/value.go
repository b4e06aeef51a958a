package gateway

import (
	"time"
)

// VariableValue holds one polled variable value with its resolved type name.
type VariableValue struct {
	Name      string
	Type      string
	Value     interface{}
	Error     error // Per-variable error (nil if successful)
	Timestamp time.Time
}

// GoValue returns the decoded value, nil when the last read failed.
func (v *VariableValue) GoValue() interface{} {
	if v == nil || v.Error != nil {
		return nil
	}
	return v.Value
}
