package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/labrun/internal/model"
)

// ContentTypeJSON is the content type of every envelope.
const ContentTypeJSON = "application/json"

// Bus sends messages to an external broker.
type Bus interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Message is one outgoing bus message.
type Message struct {
	Destination   string `json:"destination"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ContentType   string `json:"content_type"`
	Body          []byte `json:"body"`
}

// Envelope is the JSON body of a message. Type names the payload's event
// kind so consumers can decode it.
type Envelope struct {
	Type    model.EventKind `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage wraps ev in an envelope addressed to destination. The
// correlation id is the event's task id, or the request id for documents
// produced by a task submitted with one.
func NewMessage(destination string, ev model.Event) (Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s event: %w", ev.Kind(), err)
	}
	body, err := json.Marshal(Envelope{Type: ev.Kind(), Payload: payload})
	if err != nil {
		return Message{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return Message{
		Destination:   destination,
		CorrelationID: ev.CorrelationID(),
		ContentType:   ContentTypeJSON,
		Body:          body,
	}, nil
}

// DecodeEnvelope parses a message body.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
