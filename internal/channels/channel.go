// Package channels turns messages from external chat platforms into
// conversation messages and hosts the platform connectors.
package channels

import (
	"context"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// Metadata identifies the external conversation an inbound message belongs
// to.
type Metadata struct {
	AgentID     string             `json:"agentId,omitempty"`
	Channel     models.ChannelType `json:"channel"`
	PeerID      string             `json:"peerId"`
	DisplayName string             `json:"displayName,omitempty"`
	IsGroup     bool               `json:"isGroup"`
	ThreadID    string             `json:"threadId,omitempty"`
}

// ImageInput is an image attached to an inbound message. Exactly one of URL
// and Data should be set; Data may be a data URI or a bare base64 payload.
type ImageInput struct {
	URL       string `json:"url,omitempty"`
	Data      string `json:"data,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// InboundMessage is one message as delivered by a channel.
type InboundMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
	// Timestamp is in Unix milliseconds.
	Timestamp int64        `json:"timestamp,omitempty"`
	Images    []ImageInput `json:"images,omitempty"`
}

// Handler processes one inbound exchange and returns the reply text.
// gateway.Service satisfies it.
type Handler interface {
	HandleInbound(ctx context.Context, meta Metadata, messages []InboundMessage) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, meta Metadata, messages []InboundMessage) (string, error)

func (f HandlerFunc) HandleInbound(ctx context.Context, meta Metadata, messages []InboundMessage) (string, error) {
	return f(ctx, meta, messages)
}

// Connector is a long-running link to one chat platform. A connector
// forwards every inbound message to its Handler and posts the reply back to
// the conversation it came from.
type Connector interface {
	// Start connects and begins receiving. It returns once the connection
	// is established; receiving continues until Stop or ctx is done.
	Start(ctx context.Context) error

	// Stop disconnects and waits for in-flight handlers up to ctx.
	Stop(ctx context.Context) error

	Type() models.ChannelType

	Status() Status
}

// Status represents the connection status of a connector.
type Status struct {
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	LastEvent time.Time `json:"lastEvent,omitempty"`
}
