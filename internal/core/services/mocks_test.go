package services

import (
	"context"
	"encoding/json"

	"livebid/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

// mockSignaler answers Request with a JSON string (decoded into out) and an error.
type mockSignaler struct {
	mock.Mock
}

func (m *mockSignaler) Emit(event string, payload any, cb ports.Callback) {
	args := m.Called(event, payload)
	if cb == nil {
		return
	}
	res, _ := args.Get(0).(ports.Result)
	cb(res)
}

func (m *mockSignaler) Request(ctx context.Context, event string, payload any, out any) error {
	args := m.Called(event, payload)
	if raw, ok := args.Get(0).(string); ok && raw != "" && out != nil {
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return err
		}
	}
	return args.Error(1)
}
