package redisstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/status"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// Config holds the redis connection settings.
type Config struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	OnlineTTL int    `json:"online_ttl_seconds"`
}

// NewClient returns a configured go-redis client and validates the connection
// with PING.
func NewClient(cfg Config) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Store is a redis-backed status.Store shared between nodes. Liveness keys
// expire so a crashed station drops offline without explicit cleanup.
type Store struct {
	client    *redis.Client
	onlineTTL time.Duration
}

// NewStore wraps an existing client. A zero ttl keeps stations online until
// MarkOffline.
func NewStore(client *redis.Client, onlineTTL time.Duration) *Store {
	return &Store{client: client, onlineTTL: onlineTTL}
}

func statusKey(key model.ConnectorKey) string {
	return fmt.Sprintf("status:%s:%d", key.ChargeBoxID, key.ConnectorID)
}

func onlineKey(chargeBoxID string) string {
	return fmt.Sprintf("online:%s", chargeBoxID)
}

func (s *Store) Set(ctx context.Context, rec status.Record) error {
	cur, ok, err := s.Last(ctx, rec.Connector)
	if err != nil {
		return err
	}
	if ok && cur.Timestamp.After(rec.Timestamp) {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, statusKey(rec.Connector), data, 0).Err()
}

func (s *Store) Last(ctx context.Context, key model.ConnectorKey) (status.Record, bool, error) {
	res, err := s.client.Get(ctx, statusKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return status.Record{}, false, nil
	}
	if err != nil {
		return status.Record{}, false, err
	}
	var rec status.Record
	if err := json.Unmarshal([]byte(res), &rec); err != nil {
		return status.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) List(ctx context.Context, chargeBoxID string) ([]status.Record, error) {
	pattern := "status:*"
	if chargeBoxID != "" {
		pattern = fmt.Sprintf("status:%s:*", chargeBoxID)
	}
	var recs []status.Record
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		res, err := s.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec status.Record
		if err := json.Unmarshal([]byte(res), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].Connector, recs[j].Connector
		if a.ChargeBoxID != b.ChargeBoxID {
			return a.ChargeBoxID < b.ChargeBoxID
		}
		return a.ConnectorID < b.ConnectorID
	})
	return recs, nil
}

func (s *Store) MarkOnline(ctx context.Context, chargeBoxID string) error {
	return s.client.Set(ctx, onlineKey(chargeBoxID), "1", s.onlineTTL).Err()
}

func (s *Store) MarkOffline(ctx context.Context, chargeBoxID string) error {
	return s.client.Del(ctx, onlineKey(chargeBoxID)).Err()
}

func (s *Store) IsOnline(ctx context.Context, chargeBoxID string) (bool, error) {
	n, err := s.client.Exists(ctx, onlineKey(chargeBoxID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ status.Store = (*Store)(nil)
