package messenger

import (
	"context"
)

// MessagingType classifies the purpose of a send request.
type MessagingType string

const (
	MessagingResponse   MessagingType = "RESPONSE"
	MessagingUpdate     MessagingType = "UPDATE"
	MessagingMessageTag MessagingType = "MESSAGE_TAG"
)

// Validate reports whether t is one of the documented messaging types.
func (t MessagingType) Validate() error {
	switch t {
	case MessagingResponse, MessagingUpdate, MessagingMessageTag:
		return nil
	default:
		return &ValidationError{Field: "messaging_type", Value: string(t)}
	}
}

// NotificationType is the push notification behaviour requested for a message.
type NotificationType string

const (
	NotificationRegular    NotificationType = "REGULAR"
	NotificationSilentPush NotificationType = "SILENT_PUSH"
	NotificationNoPush     NotificationType = "NO_PUSH"
)

// Validate reports whether t is one of the documented notification types.
func (t NotificationType) Validate() error {
	switch t {
	case NotificationRegular, NotificationSilentPush, NotificationNoPush:
		return nil
	default:
		return &ValidationError{Field: "notification_type", Value: string(t)}
	}
}

// Recipient identifies who a message is sent to. Most callers use PSID; other
// identifying objects (user_ref, phone_number, ...) are sent as given.
type Recipient Object

// PSID builds the recipient object for a page-scoped user id.
func PSID(id string) Recipient {
	return Recipient{"id": id}
}

// Envelope is the body posted to /me/messages.
type Envelope struct {
	MessagingType    MessagingType    `json:"messaging_type"`
	Recipient        Recipient        `json:"recipient"`
	Message          Object           `json:"message"`
	NotificationType NotificationType `json:"notification_type"`
	PersonaID        string           `json:"persona_id,omitempty"`
	Tag              string           `json:"tag,omitempty"`
}

// Validate checks the enum fields and that a recipient is present.
func (e Envelope) Validate() error {
	if err := e.MessagingType.Validate(); err != nil {
		return err
	}
	if err := e.NotificationType.Validate(); err != nil {
		return err
	}
	if len(e.Recipient) == 0 {
		return &ValidationError{Field: "recipient"}
	}
	return nil
}

// SendOption adjusts the envelope built by SendMessage and SendText.
type SendOption func(*Envelope)

// WithMessagingType overrides the messaging type. SendText uses UPDATE
// unless this option is given.
func WithMessagingType(t MessagingType) SendOption {
	return func(e *Envelope) { e.MessagingType = t }
}

// WithNotificationType overrides the default REGULAR notification type.
func WithNotificationType(t NotificationType) SendOption {
	return func(e *Envelope) { e.NotificationType = t }
}

// WithTag sets the message tag, used with MESSAGE_TAG sends.
func WithTag(tag string) SendOption {
	return func(e *Envelope) { e.Tag = tag }
}

// WithPersonaID sends the message as the given persona.
func WithPersonaID(id string) SendOption {
	return func(e *Envelope) { e.PersonaID = id }
}

// NewEnvelope assembles and validates a send envelope.
func NewEnvelope(messagingType MessagingType, recipient Recipient, message Object, opts ...SendOption) (Envelope, error) {
	if message == nil {
		message = Object{}
	}
	env := Envelope{
		MessagingType:    messagingType,
		Recipient:        recipient,
		Message:          message,
		NotificationType: NotificationRegular,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// SendMessage posts message to recipient through /me/messages. Invalid
// envelopes fail with a *ValidationError before any request is made.
func (c *Client) SendMessage(ctx context.Context, messagingType MessagingType, recipient Recipient, message Object, opts ...SendOption) (Object, error) {
	env, err := NewEnvelope(messagingType, recipient, message, opts...)
	if err != nil {
		return nil, err
	}
	return c.Post(ctx, "/me/messages", nil, env)
}

// SendText sends a plain text message. The messaging type defaults to UPDATE.
func (c *Client) SendText(ctx context.Context, recipient Recipient, text string, opts ...SendOption) (Object, error) {
	return c.SendMessage(ctx, MessagingUpdate, recipient, Object{"text": text}, opts...)
}
