// Package message defines the candidate message model shared by providers,
// the message store, the router and the hubs.
//
// Message content is a tagged union keyed by Template. Every template has its
// own typed content schema; records with an unrecognized template are rejected
// by Decode, so nothing downstream has to handle loosely-typed payloads.
package message

import (
	"errors"
	"reflect"
	"slices"
)

var (
	ErrMissingID       = errors.New("message id is required")
	ErrUnknownTemplate = errors.New("unknown message template")
	ErrInvalidContent  = errors.New("invalid message content")
)

// Template identifies a message kind and its action semantics.
type Template string

const (
	TemplateUpdateAction Template = "update_action"
	TemplatePanel        Template = "whatsnew_panel_message"
	TemplateDoorhanger   Template = "cfr_doorhanger"
)

// Trigger is the event a message responds to. When Params is non-empty the
// request param must be one of them.
type Trigger struct {
	ID     string   `json:"id"`
	Params []string `json:"params,omitempty"`
}

type Message struct {
	ID         string
	Template   Template
	Targeting  string
	Priority   int
	Trigger    Trigger
	Frequency  *FrequencyCap
	Categories []string
	Content    Content

	// Provider is stamped by the provider registry when the message is loaded.
	Provider string
	// LoadSeq is stamped by the message store; larger means loaded more recently.
	LoadSeq uint64
}

// Action returns the primary action of the message, if its content has one.
func (m Message) Action() (Action, bool) {
	if m.Content == nil {
		return Action{}, false
	}
	return m.Content.PrimaryAction()
}

// Equal reports structural equality, ignoring the store-assigned LoadSeq.
func (m Message) Equal(o Message) bool {
	m.LoadSeq, o.LoadSeq = 0, 0
	return reflect.DeepEqual(m, o)
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.Categories = slices.Clone(m.Categories)
	m.Trigger.Params = slices.Clone(m.Trigger.Params)
	if m.Frequency != nil {
		f := *m.Frequency
		f.Custom = slices.Clone(f.Custom)
		m.Frequency = &f
	}
	return m
}

// MatchesTrigger reports whether m responds to the given trigger id and param.
func (m Message) MatchesTrigger(triggerID, param string) bool {
	if m.Trigger.ID != triggerID {
		return false
	}
	if len(m.Trigger.Params) == 0 {
		return true
	}
	return slices.Contains(m.Trigger.Params, param)
}
