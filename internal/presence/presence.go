// Package presence records which process owns each online user's live
// connection. Records expire on their own, so a crashed process's users
// go offline once their heartbeats stop.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 5 * time.Minute
	keyPrefix  = "online:"
)

// Record identifies the connection a user is reachable on.
type Record struct {
	ServerId string
	ConnId   string
}

func (r Record) String() string {
	return r.ServerId + "|" + r.ConnId
}

func parseRecord(v string) Record {
	serverId, connId, _ := strings.Cut(v, "|")
	return Record{ServerId: serverId, ConnId: connId}
}

type Directory interface {
	// SetOnline claims the user for connId on this process and returns
	// the record it replaced, if any.
	SetOnline(ctx context.Context, userId int64, connId string) (prev Record, replaced bool, err error)
	// Refresh extends the record's TTL. It reports false if another
	// connection now owns the user.
	Refresh(ctx context.Context, userId int64, connId string) (bool, error)
	// SetOffline removes the record if it still belongs to connId.
	SetOffline(ctx context.Context, userId int64, connId string) (bool, error)
	OwnerOf(ctx context.Context, userId int64) (Record, bool, error)
}

// refreshScript extends the key if it carries the caller's record and
// recreates it if it has expired.
var refreshScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if v == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var offlineScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisDirectory struct {
	rdb      redis.UniversalClient
	serverId string
	ttl      time.Duration
}

func NewRedisDirectory(rdb redis.UniversalClient, serverId string, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisDirectory{rdb: rdb, serverId: serverId, ttl: ttl}
}

func key(userId int64) string {
	return keyPrefix + strconv.FormatInt(userId, 10)
}

func (d *RedisDirectory) record(connId string) Record {
	return Record{ServerId: d.serverId, ConnId: connId}
}

func (d *RedisDirectory) SetOnline(ctx context.Context, userId int64, connId string) (Record, bool, error) {
	prev, err := d.rdb.SetArgs(ctx, key(userId), d.record(connId).String(), redis.SetArgs{
		TTL: d.ttl,
		Get: true,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("set online %d: %w", userId, err)
	}

	return parseRecord(prev), true, nil
}

func (d *RedisDirectory) Refresh(ctx context.Context, userId int64, connId string) (bool, error) {
	n, err := refreshScript.Run(ctx, d.rdb, []string{key(userId)},
		d.record(connId).String(), d.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh %d: %w", userId, err)
	}
	return n == 1, nil
}

func (d *RedisDirectory) SetOffline(ctx context.Context, userId int64, connId string) (bool, error) {
	n, err := offlineScript.Run(ctx, d.rdb, []string{key(userId)}, d.record(connId).String()).Int()
	if err != nil {
		return false, fmt.Errorf("set offline %d: %w", userId, err)
	}
	return n == 1, nil
}

func (d *RedisDirectory) OwnerOf(ctx context.Context, userId int64) (Record, bool, error) {
	v, err := d.rdb.Get(ctx, key(userId)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("owner of %d: %w", userId, err)
	}
	return parseRecord(v), true, nil
}
