// Package server provides the Redis-backed implementations of the external
// collaborator contracts: the counter store, the pub/sub client, and the
// session store.
package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCounterStore implements CounterStore on a Redis hash per key, one
// field per counter. A field that reaches exactly zero is deleted rather
// than left as a zero row.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore creates a counter store on the given Redis client.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// Adjust atomically adds delta to key/field and returns the resulting value.
// The HDEL after a zero result is cleanup, not part of the atomic step: a
// concurrent increment between the two is fine because it recreates the
// field with the correct value before the delete is observed by readers.
func (s *RedisCounterStore) Adjust(ctx context.Context, key, field string, delta int64) (int64, error) {
	value, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, err
	}
	if value == 0 {
		if err := s.client.HDel(ctx, key, field).Err(); err != nil {
			return 0, err
		}
	}
	return value, nil
}

// RedisPubSub implements PubSubClient on Redis channels.
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub creates a pub/sub client on the given Redis client.
func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

// Subscribe opens a subscription and confirms it with the server before
// returning, so a broken broker connection surfaces here instead of as a
// silently empty event stream.
func (p *RedisPubSub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := p.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan []byte, 64),
	}
	go sub.receiveLoop(ctx)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan []byte
	err    error
}

func (s *redisSubscription) receiveLoop(ctx context.Context) {
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			// Written before close(events): receivers that observe the
			// closed channel see the error.
			s.err = err
			close(s.events)
			return
		}
		s.events <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Events() <-chan []byte {
	return s.events
}

func (s *redisSubscription) Err() error {
	return s.err
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

// RedisSessionStore implements SessionStore on Redis hashes, one hash per
// session under "sess:<id>" with the fields the auth frontend writes:
// "login" (user id), "login:name", and "login:avatar".
type RedisSessionStore struct {
	client *redis.Client
	cookie string
}

// NewRedisSessionStore creates a session store reading the named cookie.
func NewRedisSessionStore(client *redis.Client, cookie string) *RedisSessionStore {
	return &RedisSessionStore{client: client, cookie: cookie}
}

// Read resolves the request's session. A missing cookie, an unknown session
// id, or a session without a login all yield an anonymous session (user id
// 0) rather than an error; only store failures are reported.
func (s *RedisSessionStore) Read(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(s.cookie)
	if err != nil || cookie.Value == "" {
		return anonymousSession(), nil
	}

	fields, err := s.client.HGetAll(ctx, "sess:"+cookie.Value).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return anonymousSession(), nil
	}

	sess := &Session{
		ID:         cookie.Value,
		UserName:   fields["login:name"],
		UserAvatar: fields["login:avatar"],
	}
	if login := fields["login"]; login != "" {
		if userID, err := strconv.ParseInt(login, 10, 64); err == nil {
			sess.UserID = userID
		}
	}
	return sess, nil
}

// anonymousSession builds a guest session with a fresh id so multiple
// cookie-less connections never alias each other in the registry.
func anonymousSession() *Session {
	return &Session{ID: uuid.NewString()}
}
