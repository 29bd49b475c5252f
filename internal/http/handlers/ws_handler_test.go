package handlers

import (
	"testing"

	"github.com/coop-market/backend/internal/events"
	"github.com/stretchr/testify/assert"
)

func TestRecipients(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    []string
	}{
		{"both parties", map[string]any{"buyer_id": "b1", "cooperative_id": "c1"}, []string{"b1", "c1"}},
		{"buyer only", map[string]any{"buyer_id": "b1"}, []string{"b1"}},
		{"non-string ids ignored", map[string]any{"buyer_id": 42, "cooperative_id": ""}, nil},
		{"empty payload", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recipients(events.Event{Type: events.EventEscrowStatusChanged, Payload: tt.payload})
			assert.Equal(t, tt.want, got)
		})
	}
}
