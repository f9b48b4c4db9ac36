// Package bus provides the durable publish/subscribe transport used by
// every orchestration component. Delivery is at-least-once per durable
// group: a message is only gone once the consumer acknowledges it, and an
// unacknowledged message becomes claimable by any live consumer in the
// group after the visibility window. Consumers are therefore written
// assuming duplicate delivery is normal, not exceptional.
package bus

import (
	"context"
	"errors"
)

// Msg is one delivered message.
type Msg struct {
	// ID is the transport-assigned message ID.
	ID string
	// Subject is the subject the message was published on.
	Subject string
	// Data is the immutable event payload.
	Data []byte
}

// Handler processes one message. Returning nil acknowledges the message;
// returning an error leaves it unacknowledged for redelivery.
type Handler func(ctx context.Context, m Msg) error

// ErrConsumerClosed is returned by Consume when the bus shuts down underneath it.
var ErrConsumerClosed = errors.New("bus consumer closed")

// Bus is the transport contract. Publish appends to the subject's durable
// log; Consume joins the named durable group on a subject and processes
// messages with h until the context is cancelled.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Consume(ctx context.Context, subject, group, consumer string, h Handler) error
}
