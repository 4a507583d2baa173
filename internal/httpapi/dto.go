package httpapi

import (
	"encoding/json"
	"time"

	"msgrouter/internal/hub"
	"msgrouter/internal/message"
	"msgrouter/internal/router"
)

type messageRequest struct {
	TriggerID string         `json:"trigger_id" binding:"required"`
	Template  string         `json:"template"`
	Param     string         `json:"param"`
	Context   map[string]any `json:"context"`
}

type messageResponse struct {
	// Hub is set when the template is dispatched server-side.
	Hub        string             `json:"hub,omitempty"`
	Dispatched bool               `json:"dispatched"`
	Message    *message.Message   `json:"message"`
	Effect     *effectResponse    `json:"effect,omitempty"`
	Impression *router.Impression `json:"impression,omitempty"`
}

type effectResponse struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func toEffect(e hub.Effect) *effectResponse {
	if e.Key == "" {
		return nil
	}
	return &effectResponse{Key: e.Key, Value: prefValue(e.Value)}
}

// prefValue returns stored JSON verbatim and quotes anything else.
func prefValue(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	q, _ := json.Marshal(string(b))
	return q
}

type impressionRequest struct {
	MessageID string `json:"message_id" binding:"required"`
}

type messagesResponse struct {
	Version  uint64            `json:"version"`
	Messages []message.Message `json:"messages"`
}

type prefResponse struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Messages  int       `json:"messages"`
	Providers int       `json:"providers"`
	Time      time.Time `json:"time"`
}
