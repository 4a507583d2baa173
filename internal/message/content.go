package message

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Content is the typed payload of one template.
type Content interface {
	Template() Template
	PrimaryAction() (Action, bool)
	validate() error
}

// Action describes the side effect a hub executes for a selected message.
type Action struct {
	ID   string     `json:"id"`
	Data ActionData `json:"data"`
}

type ActionData struct {
	URL string `json:"url,omitempty"`
	// Expire is an absolute expiry in Unix milliseconds.
	Expire int64 `json:"expire,omitempty"`
	// ExpireDelta is a relative expiry in days, used when Expire is unset.
	ExpireDelta int `json:"expireDelta,omitempty"`
}

func (a Action) validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: action id is required", ErrInvalidContent)
	}
	if a.Data.URL != "" {
		if _, err := url.ParseRequestURI(a.Data.URL); err != nil {
			return fmt.Errorf("%w: action url: %v", ErrInvalidContent, err)
		}
	}
	if a.Data.ExpireDelta < 0 {
		return fmt.Errorf("%w: expireDelta must be >= 0", ErrInvalidContent)
	}
	return nil
}

// UpdateActionContent is the content of an update_action message. The hub
// executes Action without rendering anything.
type UpdateActionContent struct {
	Action Action `json:"action"`
}

func (UpdateActionContent) Template() Template { return TemplateUpdateAction }

func (c UpdateActionContent) PrimaryAction() (Action, bool) { return c.Action, true }

func (c UpdateActionContent) validate() error {
	if err := c.Action.validate(); err != nil {
		return err
	}
	if c.Action.Data.URL == "" {
		return fmt.Errorf("%w: update_action requires action.data.url", ErrInvalidContent)
	}
	return nil
}

// PanelContent is rendered by a panel surface.
type PanelContent struct {
	Title  string  `json:"title"`
	Body   string  `json:"body,omitempty"`
	Icon   string  `json:"icon_url,omitempty"`
	CTA    string  `json:"cta,omitempty"`
	Action *Action `json:"action,omitempty"`
}

func (PanelContent) Template() Template { return TemplatePanel }

func (c PanelContent) PrimaryAction() (Action, bool) {
	if c.Action == nil {
		return Action{}, false
	}
	return *c.Action, true
}

func (c PanelContent) validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("%w: panel message requires title", ErrInvalidContent)
	}
	if c.Action != nil {
		return c.Action.validate()
	}
	return nil
}

type Button struct {
	Label  string `json:"label"`
	Action Action `json:"action"`
}

// DoorhangerContent is rendered anchored to a browser control.
type DoorhangerContent struct {
	Heading string   `json:"heading_text"`
	Text    string   `json:"text,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

func (DoorhangerContent) Template() Template { return TemplateDoorhanger }

func (c DoorhangerContent) PrimaryAction() (Action, bool) {
	if len(c.Buttons) == 0 {
		return Action{}, false
	}
	return c.Buttons[0].Action, true
}

func (c DoorhangerContent) validate() error {
	if strings.TrimSpace(c.Heading) == "" {
		return fmt.Errorf("%w: doorhanger requires heading_text", ErrInvalidContent)
	}
	for i, b := range c.Buttons {
		if strings.TrimSpace(b.Label) == "" {
			return fmt.Errorf("%w: button %d requires label", ErrInvalidContent, i)
		}
		if err := b.Action.validate(); err != nil {
			return fmt.Errorf("button %d: %w", i, err)
		}
	}
	return nil
}

func decodeContent(t Template, raw json.RawMessage) (Content, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidContent)
	}
	var c Content
	switch t {
	case TemplateUpdateAction:
		var v UpdateActionContent
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		c = v
	case TemplatePanel:
		var v PanelContent
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		c = v
	case TemplateDoorhanger:
		var v DoorhangerContent
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		c = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, t)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}
