// Package relay forwards notifications to the process that owns a user's
// live connection. Each process listens on a single topic named for its
// server id. Delivery is at most once: nothing is queued or acknowledged.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

type Kind string

const (
	// KindDeliver carries an outbound frame for the target user.
	KindDeliver Kind = "deliver"
	// KindRevoke asks the owning process to close the target user's
	// connection if it still has the given connection id.
	KindRevoke Kind = "revoke"
)

type Envelope struct {
	Kind         Kind            `json:"kind,omitempty"`
	TargetUserId int64           `json:"targetUserId"`
	ConnId       string          `json:"connId,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
}

func Deliver(targetUserId int64, frame []byte) Envelope {
	return Envelope{Kind: KindDeliver, TargetUserId: targetUserId, Message: frame}
}

func Revoke(targetUserId int64, connId string) Envelope {
	return Envelope{Kind: KindRevoke, TargetUserId: targetUserId, ConnId: connId}
}

var ErrInvalidEnvelope = errors.New("invalid relay envelope")

func Encode(env Envelope) ([]byte, error) {
	if env.Kind == "" {
		env.Kind = KindDeliver
	}
	return json.Marshal(env)
}

// Decode parses an envelope. An envelope without a kind is a delivery.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if env.Kind == "" {
		env.Kind = KindDeliver
	}

	if env.TargetUserId <= 0 {
		return Envelope{}, fmt.Errorf("%w: missing target user", ErrInvalidEnvelope)
	}

	switch env.Kind {
	case KindDeliver:
		if len(env.Message) == 0 {
			return Envelope{}, fmt.Errorf("%w: empty message", ErrInvalidEnvelope)
		}
	case KindRevoke:
		if env.ConnId == "" {
			return Envelope{}, fmt.Errorf("%w: missing connection id", ErrInvalidEnvelope)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, env.Kind)
	}

	return env, nil
}

type Handler func(env Envelope)

type Relay interface {
	// Publish sends env to the process with the given server id.
	Publish(ctx context.Context, serverId string, env Envelope) error
	// Subscribe starts listening on this process's topic. The
	// subscription is active when it returns.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// dispatch decodes one inbound payload and hands it to handler. Payloads
// that fail to decode are logged and dropped.
func dispatch(logger *log.Logger, topic string, data []byte, handler Handler) {
	env, err := Decode(data)
	if err != nil {
		logger.Printf("dropping relay message on %s: %v", topic, err)
		return
	}

	handler(env)
}
