package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
)

func NatsSubject(serverId string) string {
	return "chat.server." + serverId
}

// NatsRelay uses core NATS subjects. The connection is owned by the
// caller.
type NatsRelay struct {
	log      *log.Logger
	nc       *nats.Conn
	serverId string

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNatsRelay(logger *log.Logger, nc *nats.Conn, serverId string) *NatsRelay {
	return &NatsRelay{
		log:      logger,
		nc:       nc,
		serverId: serverId,
	}
}

func (r *NatsRelay) Publish(ctx context.Context, serverId string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := r.nc.Publish(NatsSubject(serverId), data); err != nil {
		return fmt.Errorf("publish to %s: %w", serverId, err)
	}

	return nil
}

func (r *NatsRelay) Subscribe(ctx context.Context, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		return errors.New("relay already subscribed")
	}

	subject := NatsSubject(r.serverId)
	sub, err := r.nc.Subscribe(subject, r.handle(subject, handler))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	// make sure the server has registered interest before accepting
	// connections
	if err := r.nc.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("flush subscription %s: %w", subject, err)
	}

	r.sub = sub
	r.log.Printf("relay subscribed to nats subject %s", subject)
	return nil
}

func (r *NatsRelay) handle(subject string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		dispatch(r.log, subject, msg.Data, handler)
	}
}

func (r *NatsRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub == nil {
		return nil
	}

	err := r.sub.Unsubscribe()
	r.sub = nil
	return err
}
