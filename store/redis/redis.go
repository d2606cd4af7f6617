/*
Package redis stores device histories as JSON documents in Redis.

KEYS:
  <prefix>history:<participant>:<column>  codec document, one per column
  <prefix>audit                            list of JSON audit entries

  Participant and column ids are query-escaped so a ':' inside an id
  cannot collide with the separator.

COMPARE-AND-SWAP:
  Save WATCHes the document key, compares the stored version with the
  loaded one and writes in a MULTI block. A concurrent write aborts the
  transaction and surfaces as generic.ErrConcurrentModification.
*/
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/warp/device-ledger/generic"
	"github.com/warp/device-ledger/generic/store"
	"github.com/warp/device-ledger/store/codec"
)

const defaultPrefix = "devices:"

// Store implements generic.HistoryScanner and generic.AuditLog on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ generic.HistoryScanner = (*Store)(nil)
	_ generic.AuditLog       = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key, e.g. per environment.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New wraps a client. The client lifecycle is managed by the caller.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts...), nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) historyKey(key generic.HistoryKey) string {
	return s.prefix + "history:" + url.QueryEscape(string(key.Participant)) + ":" + url.QueryEscape(string(key.Column))
}

func (s *Store) parseHistoryKey(k string) (generic.HistoryKey, bool) {
	rest, ok := strings.CutPrefix(k, s.prefix+"history:")
	if !ok {
		return generic.HistoryKey{}, false
	}
	p, c, ok := strings.Cut(rest, ":")
	if !ok {
		return generic.HistoryKey{}, false
	}
	participant, err := url.QueryUnescape(p)
	if err != nil {
		return generic.HistoryKey{}, false
	}
	column, err := url.QueryUnescape(c)
	if err != nil {
		return generic.HistoryKey{}, false
	}
	return generic.HistoryKey{Participant: generic.ParticipantID(participant), Column: generic.ColumnID(column)}, true
}

func (s *Store) Load(ctx context.Context, key generic.HistoryKey) (generic.History, error) {
	data, err := s.client.Get(ctx, s.historyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return generic.History{}, generic.ErrNotFound
	}
	if err != nil {
		return generic.History{}, err
	}
	h, err := codec.Decode(data)
	if err != nil {
		return generic.History{}, err
	}
	h.Key = key
	return h, nil
}

func (s *Store) Save(ctx context.Context, h generic.History) (int64, error) {
	k := s.historyKey(h.Key)
	next := h
	next.Version = h.Version + 1
	data, err := codec.Encode(next)
	if err != nil {
		return 0, err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if h.Version != 0 {
				return generic.ErrConcurrentModification
			}
		case err != nil:
			return err
		default:
			stored, err := codec.Decode(current)
			if err != nil {
				return err
			}
			if stored.Version != h.Version {
				return generic.ErrConcurrentModification
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, 0)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, generic.ErrConcurrentModification
	}
	if err != nil {
		return 0, err
	}
	return next.Version, nil
}

// Keys scans the history namespace. Order is restored after the scan.
func (s *Store) Keys(ctx context.Context) ([]generic.HistoryKey, error) {
	var keys []generic.HistoryKey
	iter := s.client.Scan(ctx, 0, s.prefix+"history:*", 500).Iterator()
	for iter.Next(ctx) {
		if key, ok := s.parseHistoryKey(iter.Val()); ok {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan histories: %w", err)
	}
	store.SortKeys(keys)
	return keys, nil
}

// Reset deletes every key in the namespace.
func (s *Store) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	return s.client.Del(ctx, batch...).Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) Append(ctx context.Context, e generic.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	return s.client.RPush(ctx, s.prefix+"audit", data).Err()
}

// Query filters the full audit list client-side.
func (s *Store) Query(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	raw, err := s.client.LRange(ctx, s.prefix+"audit", 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []generic.AuditEntry
	for _, r := range raw {
		var e generic.AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		if !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
