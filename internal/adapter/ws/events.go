package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventHandoverState = "handover.state"
	EventHandoverJob   = "handover.job"
)

// HandoverStateEvent is broadcast when a handover changes state.
type HandoverStateEvent struct {
	Token   string `json:"handover_token"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// HandoverJobEvent is broadcast when a stage job has been submitted.
type HandoverJobEvent struct {
	Token string `json:"handover_token"`
	Stage string `json:"stage"` // "validation", "copy" or "metadata"
	JobID string `json:"job_id"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
