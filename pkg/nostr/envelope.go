package nostr

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelEOSE   = "EOSE"
	LabelOK     = "OK"
	LabelNotice = "NOTICE"
	LabelClosed = "CLOSED"
)

var ErrMalformedMessage = errors.New("malformed relay message")

// Filter selects events in a REQ.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Message is a decoded relay to client message. Only the fields relevant to
// the label are set.
type Message struct {
	Event          *Event
	Label          string
	SubscriptionID string
	EventID        string
	Reason         string
	Accepted       bool
}

// ParseMessage decodes a relay to client message.
func ParseMessage(b []byte) (Message, error) {
	raw := []json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if len(raw) < 2 {
		return Message{}, fmt.Errorf("%w: expected at least 2 elements", ErrMalformedMessage)
	}
	msg := Message{}
	if err := json.Unmarshal(raw[0], &msg.Label); err != nil {
		return Message{}, fmt.Errorf("%w: label is not a string", ErrMalformedMessage)
	}

	str := func(i int) (string, error) {
		if i >= len(raw) {
			return "", fmt.Errorf("%w: %s missing element %d", ErrMalformedMessage, msg.Label, i)
		}
		var s string
		if err := json.Unmarshal(raw[i], &s); err != nil {
			return "", fmt.Errorf("%w: %s element %d is not a string", ErrMalformedMessage, msg.Label, i)
		}
		return s, nil
	}

	var err error
	switch msg.Label {
	case LabelEvent:
		msg.SubscriptionID, err = str(1)
		if err != nil {
			return Message{}, err
		}
		if len(raw) < 3 {
			return Message{}, fmt.Errorf("%w: EVENT without event", ErrMalformedMessage)
		}
		msg.Event = &Event{}
		if err := json.Unmarshal(raw[2], msg.Event); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
	case LabelEOSE:
		msg.SubscriptionID, err = str(1)
	case LabelClosed:
		msg.SubscriptionID, err = str(1)
		if err == nil && len(raw) > 2 {
			msg.Reason, err = str(2)
		}
	case LabelNotice:
		msg.Reason, err = str(1)
	case LabelOK:
		msg.EventID, err = str(1)
		if err != nil {
			return Message{}, err
		}
		if len(raw) < 3 {
			return Message{}, fmt.Errorf("%w: OK without status", ErrMalformedMessage)
		}
		if err := json.Unmarshal(raw[2], &msg.Accepted); err != nil {
			return Message{}, fmt.Errorf("%w: OK status is not a boolean", ErrMalformedMessage)
		}
		if len(raw) > 3 {
			msg.Reason, err = str(3)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown label %q", ErrMalformedMessage, msg.Label)
	}
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func encodeReq(subID string, filters ...Filter) ([]byte, error) {
	msg := []any{LabelReq, subID}
	for _, f := range filters {
		msg = append(msg, f)
	}
	return json.Marshal(msg)
}

func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelClose, subID})
}

func encodeEvent(e *Event) ([]byte, error) {
	return json.Marshal([]any{LabelEvent, e})
}
