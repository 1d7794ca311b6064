package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/relay/internal/relay"
)

const (
	// SessionPrefix keys one hash per live connection.
	SessionPrefix = "session:"

	// UserPrefix keys one hash per announced display name.
	UserPrefix = "user:"

	// BlocksPrefix keys one set per blocker display name.
	BlocksPrefix = "blocks:"

	// SessionTTL bounds how long a session hash outlives a crashed server.
	SessionTTL = 1 * time.Hour

	StatusIdentified = "identified"
	StatusOffline    = "offline"
)

// Session is a connection's record.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`
	Name       string `redis:"name"`
	Color      string `redis:"color"`
	Server     string `redis:"server"` // which relay instance
	LastActive int64  `redis:"last_active"`
}

// User is the durable record of a display name.
type User struct {
	Name     string `redis:"name" json:"name"`
	Color    string `redis:"color" json:"color"`
	ConnID   string `redis:"conn_id" json:"conn_id,omitempty"` // empty while offline
	Status   string `redis:"status" json:"status"`
	LastSeen int64  `redis:"last_seen" json:"last_seen"`
}

// Store implements relay.Mirror on Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

var _ relay.Mirror = (*Store)(nil)

// NewStore connects to Redis at redisAddr.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// SaveIdentity records the announce on the connection and on the name. A
// re-announce under a different name releases the previous one.
func (s *Store) SaveIdentity(ctx context.Context, id relay.Identity) error {
	prev, err := s.Get(ctx, id.ConnID)
	if err != nil {
		return fmt.Errorf("session: read %s: %w", id.ConnID, err)
	}

	now := time.Now().Unix()
	sessKey := SessionPrefix + id.ConnID
	userKey := UserPrefix + id.Name

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, sessKey, map[string]interface{}{
		"id":          id.ConnID,
		"status":      StatusIdentified,
		"name":        id.Name,
		"color":       id.Color,
		"server":      s.serverName,
		"last_active": now,
	})
	pipe.Expire(ctx, sessKey, SessionTTL)
	pipe.HSet(ctx, userKey, map[string]interface{}{
		"name":      id.Name,
		"color":     id.Color,
		"conn_id":   id.ConnID,
		"status":    StatusIdentified,
		"last_seen": now,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: save identity %s: %w", id.ConnID, err)
	}

	if prev != nil && prev.Name != "" && prev.Name != id.Name {
		return s.releaseName(ctx, prev.Name, id.ConnID)
	}
	return nil
}

// SaveBlock adds or removes target in blocker's durable block set. Targets
// that never announced are stored by connection ID.
func (s *Store) SaveBlock(ctx context.Context, blocker, target relay.Identity, blocked bool) error {
	member := target.Name
	if member == "" {
		member = target.ConnID
	}
	key := BlocksPrefix + blocker.Name

	var err error
	if blocked {
		err = s.client.SAdd(ctx, key, member).Err()
	} else {
		err = s.client.SRem(ctx, key, member).Err()
	}
	if err != nil {
		return fmt.Errorf("session: save block %s -> %s: %w", blocker.Name, member, err)
	}
	return nil
}

// RemoveConnection deletes the connection's hash and marks its name offline
// if the name is still bound to this connection.
func (s *Store) RemoveConnection(ctx context.Context, connID string) error {
	sessKey := SessionPrefix + connID

	name, err := s.client.HGet(ctx, sessKey, "name").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: read %s: %w", connID, err)
	}

	if err := s.client.Del(ctx, sessKey).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	if name == "" {
		return nil
	}
	return s.releaseName(ctx, name, connID)
}

// releaseName marks name offline unless another connection has announced it
// since connID did.
func (s *Store) releaseName(ctx context.Context, name, connID string) error {
	userKey := UserPrefix + name
	bound, err := s.client.HGet(ctx, userKey, "conn_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: read user %s: %w", name, err)
	}
	if bound != connID {
		return nil
	}
	if err := s.client.HSet(ctx, userKey,
		"conn_id", "",
		"status", StatusOffline,
		"last_seen", time.Now().Unix(),
	).Err(); err != nil {
		return fmt.Errorf("session: release user %s: %w", name, err)
	}
	return nil
}

// Purge deletes every user and block record.
func (s *Store) Purge(ctx context.Context) error {
	n, err := s.deleteMatching(ctx, UserPrefix+"*", BlocksPrefix+"*")
	if err != nil {
		return fmt.Errorf("session: purge: %w", err)
	}
	log.Printf("[mirror] purged %d keys", n)
	return nil
}

// SweepServer deletes session hashes this server left behind in a previous
// run and marks the names they held offline. Called once at startup, before
// any connection is accepted.
func (s *Store) SweepServer(ctx context.Context) (int, error) {
	swept := 0
	iter := s.client.Scan(ctx, 0, SessionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		sess, err := s.Get(ctx, strings.TrimPrefix(key, SessionPrefix))
		if err != nil || sess == nil || sess.Server != s.serverName {
			continue
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return swept, fmt.Errorf("session: sweep %s: %w", key, err)
		}
		if sess.Name != "" {
			if err := s.releaseName(ctx, sess.Name, sess.ID); err != nil {
				return swept, err
			}
		}
		swept++
	}
	if err := iter.Err(); err != nil {
		return swept, fmt.Errorf("session: sweep: %w", err)
	}
	return swept, nil
}

// KnownNames lists the display names that have a durable record.
func (s *Store) KnownNames(ctx context.Context) ([]string, error) {
	var names []string
	iter := s.client.Scan(ctx, 0, UserPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val()[len(UserPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("session: list users: %w", err)
	}
	return names, nil
}

// Get returns a connection's record, or nil if absent.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+connID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// User returns a display name's record, or nil if absent.
func (s *Store) User(ctx context.Context, name string) (*User, error) {
	var u User
	if err := s.client.HGetAll(ctx, UserPrefix+name).Scan(&u); err != nil {
		return nil, err
	}
	if u.Name == "" {
		return nil, nil
	}
	return &u, nil
}

// BlockedNames returns blocker's durable block set.
func (s *Store) BlockedNames(ctx context.Context, blocker string) ([]string, error) {
	return s.client.SMembers(ctx, BlocksPrefix+blocker).Result()
}

// Lookup returns name's user record with its sorted block set, or nil if the
// name never announced.
func (s *Store) Lookup(ctx context.Context, name string) (*Record, error) {
	u, err := s.User(ctx, name)
	if err != nil || u == nil {
		return nil, err
	}
	blocked, err := s.BlockedNames(ctx, name)
	if err != nil {
		return nil, err
	}
	if blocked == nil {
		blocked = []string{}
	}
	sort.Strings(blocked)
	return &Record{User: u, Blocked: blocked}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) deleteMatching(ctx context.Context, patterns ...string) (int, error) {
	deleted := 0
	for _, pattern := range patterns {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return deleted, err
			}
			deleted++
		}
		if err := iter.Err(); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}
