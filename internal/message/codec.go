package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// record is the wire form of a message, as served by providers.
type record struct {
	ID         string          `json:"id"`
	Template   Template        `json:"template"`
	Targeting  string          `json:"targeting,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	Trigger    *Trigger        `json:"trigger,omitempty"`
	Frequency  *FrequencyCap   `json:"frequency,omitempty"`
	Categories []string        `json:"categories,omitempty"`
	Content    json.RawMessage `json:"content"`
	Provider   string          `json:"provider,omitempty"`
}

// Decode parses and validates one wire record.
// Unknown templates and invalid content are rejected here, at load time.
func Decode(b []byte) (Message, error) {
	var r record
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return r.build()
}

func (r record) build() (Message, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return Message{}, ErrMissingID
	}
	c, err := decodeContent(r.Template, r.Content)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	if err := r.Frequency.Validate(); err != nil {
		return Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	m := Message{
		ID:         id,
		Template:   r.Template,
		Targeting:  strings.TrimSpace(r.Targeting),
		Priority:   r.Priority,
		Frequency:  r.Frequency,
		Categories: r.Categories,
		Content:    c,
		Provider:   r.Provider,
	}
	if r.Trigger != nil {
		m.Trigger = *r.Trigger
	}
	if m.Frequency.Empty() {
		m.Frequency = nil
	}
	return m, nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	r := record{
		ID:         m.ID,
		Template:   m.Template,
		Targeting:  m.Targeting,
		Priority:   m.Priority,
		Frequency:  m.Frequency,
		Categories: m.Categories,
		Content:    content,
		Provider:   m.Provider,
	}
	if m.Trigger.ID != "" || len(m.Trigger.Params) > 0 {
		t := m.Trigger
		r.Trigger = &t
	}
	return json.Marshal(r)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	v, err := Decode(b)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
