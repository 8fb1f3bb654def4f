package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"grouping/internal/config"
	"grouping/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists groups, timers, and leases in JetStream KV buckets.
// Params: NATS connection, JetStream context, and KV bucket handles.
// Returns: shared primary backend usable by multiple service instances.
//
// Logical keys carry separators that are not valid KV key tokens, so every
// key is base64url-encoded before it touches a bucket.
type NATSStore struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	groupsKV nats.KeyValue
	timersKV nats.KeyValue
	leasesKV nats.KeyValue
}

type leasePayload struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// NewNATSStore connects and opens/creates the three KV buckets.
// Params: NATS storage settings and lease TTL applied to the leases bucket.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStorageConfig, leaseTTL time.Duration) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	groupsKV, err := openBucket(js, settings.GroupsBucket, 0, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	timersKV, err := openBucket(js, settings.TimersBucket, 0, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	// Bucket-level TTL expires stale leases without a sweeper; a crashed
	// holder blocks other instances for at most one lease TTL.
	leasesKV, err := openBucket(js, settings.LeasesBucket, leaseTTL, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSStore{
		nc:       nc,
		js:       js,
		groupsKV: groupsKV,
		timersKV: timersKV,
		leasesKV: leasesKV,
	}, nil
}

// openBucket opens one KV bucket, creating it when allowed.
// Params: JetStream context, bucket name, optional entry TTL, and create flag.
// Returns: bucket handle or open/create error.
func openBucket(js nats.JetStreamContext, bucket string, ttl time.Duration, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// PutGroup writes group payload unconditionally.
// Params: group key and payload.
// Returns: new KV revision.
func (s *NATSStore) PutGroup(_ context.Context, key string, group domain.AlertGroup) (uint64, error) {
	body, err := json.Marshal(group)
	if err != nil {
		return 0, fmt.Errorf("encode group: %w", err)
	}
	rev, err := s.groupsKV.Put(encodeKey(key), body)
	if err != nil {
		return 0, fmt.Errorf("put group: %w", err)
	}
	return rev, nil
}

// UpdateGroup updates group payload using expected revision CAS.
// Params: group key, expected revision (0 = create-only), and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) UpdateGroup(_ context.Context, key string, expectedRevision uint64, group domain.AlertGroup) (uint64, error) {
	body, err := json.Marshal(group)
	if err != nil {
		return 0, fmt.Errorf("encode group: %w", err)
	}
	var rev uint64
	if expectedRevision == 0 {
		// KV Create steps over delete tombstones, a plain revision-0 update
		// would not.
		rev, err = s.groupsKV.Create(encodeKey(key), body)
	} else {
		rev, err = s.groupsKV.Update(encodeKey(key), body, expectedRevision)
	}
	if err != nil {
		if isRevisionMismatch(err) || errors.Is(err, nats.ErrKeyExists) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update group: %w", err)
	}
	return rev, nil
}

// GetGroup reads one group and its KV revision.
// Params: group key.
// Returns: group payload, revision, or ErrNotFound.
func (s *NATSStore) GetGroup(_ context.Context, key string) (domain.AlertGroup, uint64, error) {
	entry, err := s.groupsKV.Get(encodeKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.AlertGroup{}, 0, ErrNotFound
		}
		return domain.AlertGroup{}, 0, fmt.Errorf("get group: %w", err)
	}

	var group domain.AlertGroup
	if err := json.Unmarshal(entry.Value(), &group); err != nil {
		return domain.AlertGroup{}, 0, fmt.Errorf("decode group: %w", err)
	}
	return group, entry.Revision(), nil
}

// DeleteGroup deletes one group entry.
// Params: group key.
// Returns: delete error (absent key is not an error).
func (s *NATSStore) DeleteGroup(_ context.Context, key string) error {
	if err := s.groupsKV.Delete(encodeKey(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

// ListGroupKeys lists decoded group keys from the groups bucket.
// Params: none.
// Returns: logical key slice.
func (s *NATSStore) ListGroupKeys(_ context.Context) ([]string, error) {
	encoded, err := s.groupsKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list group keys: %w", err)
	}
	keys := make([]string, 0, len(encoded))
	for _, entry := range encoded {
		key, decodeErr := decodeKey(entry)
		if decodeErr != nil {
			return nil, fmt.Errorf("decode group key %q: %w", entry, decodeErr)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Size reports persisted group count.
// Params: none.
// Returns: group count.
func (s *NATSStore) Size(ctx context.Context) (int, error) {
	keys, err := s.ListGroupKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// PutTimer upserts one timer record by ID.
// Params: timer record.
// Returns: put error.
func (s *NATSStore) PutTimer(_ context.Context, record domain.TimerRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode timer: %w", err)
	}
	if _, err := s.timersKV.Put(encodeKey(record.ID()), body); err != nil {
		return fmt.Errorf("put timer: %w", err)
	}
	return nil
}

// GetTimer loads one timer record by ID.
// Params: timer ID.
// Returns: decoded record or ErrNotFound.
func (s *NATSStore) GetTimer(_ context.Context, id string) (domain.TimerRecord, error) {
	entry, err := s.timersKV.Get(encodeKey(id))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.TimerRecord{}, ErrNotFound
		}
		return domain.TimerRecord{}, fmt.Errorf("get timer: %w", err)
	}
	var record domain.TimerRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return domain.TimerRecord{}, fmt.Errorf("decode timer: %w", err)
	}
	return record, nil
}

// DeleteTimer deletes one timer record.
// Params: timer ID.
// Returns: delete error (absent ID is not an error).
func (s *NATSStore) DeleteTimer(_ context.Context, id string) error {
	if err := s.timersKV.Delete(encodeKey(id)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete timer: %w", err)
	}
	return nil
}

// ListTimers lists outstanding timer records.
// Params: none.
// Returns: decoded record slice.
func (s *NATSStore) ListTimers(_ context.Context) ([]domain.TimerRecord, error) {
	encoded, err := s.timersKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list timers: %w", err)
	}
	records := make([]domain.TimerRecord, 0, len(encoded))
	for _, key := range encoded {
		entry, getErr := s.timersKV.Get(key)
		if getErr != nil {
			if errors.Is(getErr, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get timer %q: %w", key, getErr)
		}
		var record domain.TimerRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			return nil, fmt.Errorf("decode timer %q: %w", key, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// AcquireLease claims lease key via KV create; bucket TTL bounds lease lifetime.
// Params: lease key, owner id, and TTL (enforced at bucket granularity).
// Returns: true on acquisition or same-owner refresh, false while another
// holder's entry exists.
//
// The refresh path keeps back-to-back fires of one timer chain alive when
// the bucket TTL outlives the interval between fires.
func (s *NATSStore) AcquireLease(_ context.Context, key, owner string, _ time.Duration) (bool, error) {
	body, err := json.Marshal(leasePayload{Owner: owner, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("encode lease: %w", err)
	}
	encoded := encodeKey(key)
	if _, err := s.leasesKV.Create(encoded, body); err == nil {
		return true, nil
	} else if !errors.Is(err, nats.ErrKeyExists) && !isRevisionMismatch(err) {
		return false, fmt.Errorf("acquire lease: %w", err)
	}

	entry, err := s.leasesKV.Get(encoded)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			// Holder expired between create and get; the next attempt wins.
			return false, nil
		}
		return false, fmt.Errorf("get lease: %w", err)
	}
	var payload leasePayload
	if err := json.Unmarshal(entry.Value(), &payload); err != nil {
		return false, fmt.Errorf("decode lease: %w", err)
	}
	if payload.Owner != owner {
		return false, nil
	}
	if _, err := s.leasesKV.Update(encoded, body, entry.Revision()); err != nil {
		if isRevisionMismatch(err) || errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("refresh lease: %w", err)
	}
	return true, nil
}

// ReleaseLease drops lease entry when still held by owner.
// Params: lease key and owner id.
// Returns: release error (foreign or absent leases are left untouched).
func (s *NATSStore) ReleaseLease(_ context.Context, key, owner string) error {
	entry, err := s.leasesKV.Get(encodeKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("get lease: %w", err)
	}
	var payload leasePayload
	if err := json.Unmarshal(entry.Value(), &payload); err != nil {
		return fmt.Errorf("decode lease: %w", err)
	}
	if payload.Owner != owner {
		return nil
	}
	if err := s.leasesKV.Delete(encodeKey(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Ping checks JetStream reachability with one account round-trip.
// Params: context bounds the probe.
// Returns: transport error when the backend is unreachable.
func (s *NATSStore) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return errors.New("nats connection is not established")
	}
	if _, err := s.js.AccountInfo(nats.Context(ctx)); err != nil {
		return fmt.Errorf("jetstream account info: %w", err)
	}
	return nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// encodeKey converts one logical key into a valid KV key token.
// Params: logical key with arbitrary bytes.
// Returns: base64url token.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// decodeKey reverses encodeKey.
// Params: base64url token from a bucket listing.
// Returns: logical key or decode error.
func decodeKey(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// isRevisionMismatch classifies JetStream CAS failures.
// Params: KV update/create error.
// Returns: true for wrong-last-sequence style conflicts.
func isRevisionMismatch(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, nats.ErrKeyExists) ||
		strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
