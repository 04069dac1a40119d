// Package notify delivers best-effort user notifications. Callers treat
// delivery as advisory: a failed notification never undoes the state
// change that triggered it.
package notify

import (
	"context"
	"errors"
)

// Kind identifies which message template a notification uses.
type Kind string

const (
	KindNewOffer       Kind = "new_offer"
	KindOfferResponse  Kind = "offer_response"
	KindOfferCancelled Kind = "offer_cancelled"
	KindResetCode      Kind = "reset_code"
)

// Payload keys understood by the templates.
const (
	KeyUserName             = "user_name"
	KeyActorName            = "actor_name"
	KeyStatusLabel          = "status_label"
	KeyRequestedTitle       = "requested_title"
	KeyRequestedDescription = "requested_description"
	KeyOfferedTitle         = "offered_title"
	KeyOfferedDescription   = "offered_description"
	KeyReason               = "reason"
	KeyResetCode            = "reset_code"
)

var (
	ErrNotConfigured = errors.New("smtp credentials are not configured")
	ErrUnknownKind   = errors.New("unknown notification kind")
	ErrQueueFull     = errors.New("notification queue is full")
	ErrStopped       = errors.New("notification dispatcher has stopped")
)

// Notification is one message for one recipient.
type Notification struct {
	Kind      Kind
	Recipient string
	Payload   map[string]string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Discard drops every notification. Useful when mail is disabled.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) error { return nil }
