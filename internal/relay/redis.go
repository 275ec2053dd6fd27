package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

func RedisChannel(serverId string) string {
	return "server:" + serverId
}

type RedisRelay struct {
	log      *log.Logger
	rdb      redis.UniversalClient
	serverId string

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisRelay(logger *log.Logger, rdb redis.UniversalClient, serverId string) *RedisRelay {
	return &RedisRelay{
		log:      logger,
		rdb:      rdb,
		serverId: serverId,
	}
}

func (r *RedisRelay) Publish(ctx context.Context, serverId string, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := r.rdb.Publish(ctx, RedisChannel(serverId), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", serverId, err)
	}

	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubsub != nil {
		return errors.New("relay already subscribed")
	}

	channel := RedisChannel(r.serverId)
	ps := r.rdb.Subscribe(ctx, channel)

	// wait for the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	r.pubsub = ps
	r.done = make(chan struct{})

	go func(msgs <-chan *redis.Message, done chan struct{}) {
		defer close(done)
		for msg := range msgs {
			dispatch(r.log, channel, []byte(msg.Payload), handler)
		}
	}(ps.Channel(), r.done)

	r.log.Printf("relay subscribed to redis channel %s", channel)
	return nil
}

// Close stops the subscription and waits for the receive loop to exit.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()

	if ps == nil {
		return nil
	}

	err := ps.Close()
	<-done
	return err
}
