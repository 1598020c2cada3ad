// Package storage archives generation results in NATS KV so degraded and
// failed outputs can be inspected after the request has returned.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/contentgen/llm"
)

// DefaultBucket is the KV bucket results are archived in.
const DefaultBucket = "CONTENTGEN_RESULTS"

// validKey matches the characters NATS KV accepts in a key.
var validKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// Record is one archived result.
type Record struct {
	RequestID string                `json:"request_id"`
	SavedAt   time.Time             `json:"saved_at"`
	Result    *llm.GenerationResult `json:"result"`
}

// bucket is the part of jetstream.KeyValue the store uses.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// Store provides result archive operations backed by NATS KV.
type Store struct {
	kv  bucket
	now func() time.Time
}

type storeOptions struct {
	bucket  string
	ttl     time.Duration
	history uint8
}

// StoreOption configures NewStore.
type StoreOption func(*storeOptions)

// WithBucket overrides the bucket name.
func WithBucket(name string) StoreOption {
	return func(o *storeOptions) {
		o.bucket = name
	}
}

// WithTTL expires archived results after d. Zero keeps them forever.
func WithTTL(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		o.ttl = d
	}
}

// NewStore creates a Store with the given JetStream context.
// It creates the bucket if it doesn't exist.
func NewStore(ctx context.Context, js jetstream.JetStream, opts ...StoreOption) (*Store, error) {
	o := storeOptions{bucket: DefaultBucket, history: 1}
	for _, opt := range opts {
		opt(&o)
	}

	kv, err := getOrCreateBucket(ctx, js, o)
	if err != nil {
		return nil, fmt.Errorf("create results bucket: %w", err)
	}
	return newStore(kv), nil
}

func newStore(kv bucket) *Store {
	return &Store{kv: kv, now: time.Now}
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, o storeOptions) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, o.bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      o.bucket,
		Description: "Contentgen generation results",
		History:     o.history,
		TTL:         o.ttl,
	})
}

// Save archives res under its request ID, replacing any earlier record.
func (s *Store) Save(ctx context.Context, res *llm.GenerationResult) error {
	if res == nil {
		return fmt.Errorf("result is required")
	}
	if !validKey.MatchString(res.RequestID) {
		return fmt.Errorf("invalid request id %q", res.RequestID)
	}

	data, err := json.Marshal(Record{
		RequestID: res.RequestID,
		SavedAt:   s.now().UTC(),
		Result:    res,
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if _, err := s.kv.Put(ctx, res.RequestID, data); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// Get retrieves the record for a request ID.
func (s *Store) Get(ctx context.Context, requestID string) (*Record, error) {
	if !validKey.MatchString(requestID) {
		return nil, fmt.Errorf("invalid request id %q", requestID)
	}

	entry, err := s.kv.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("get result: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal result %s: %w", requestID, err)
	}
	return &rec, nil
}

// List returns every archived record, newest first. Records that expire or
// fail to decode between listing and reading are skipped.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list results: %w", err)
	}

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Get(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SavedAt.After(records[j].SavedAt)
	})
	return records, nil
}
