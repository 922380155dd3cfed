// Package store provides the persistent second cache tier: a bbolt-backed
// artifact store with zstd-compressed envelopes. It sits behind the in-memory
// caches so restarts are warm, and reaps entries not accessed within a TTL.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/voicekit/voicecache/telemetry"
	"go.etcd.io/bbolt"
)

const (
	// envelopeVersion is the current on-disk envelope schema version.
	envelopeVersion = 1

	// compressThreshold is the minimum payload size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	compressThreshold = 2048

	// maxArtifactSize caps decompression to protect against corrupted or
	// hostile envelopes.
	maxArtifactSize = 512 * 1024 * 1024

	encodingIdentity = 0
	encodingZstd     = 1

	// envelope header: version(1) + encoding(1) + storedAt(8) + lastAccess(8) + rawSize(8)
	headerSize = 26
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrCorrupted is returned when an envelope fails to decode.
	ErrCorrupted = errors.New("corrupted envelope")
)

// Config holds store configuration.
type Config struct {
	// Path is the bbolt database file path.
	Path string

	// TTL is the time-to-live since last access. Entries not read within
	// this duration are removed by the reaper. Zero disables reaping.
	TTL time.Duration

	// ReapInterval is how often the reaper scans. Default: 1 hour.
	ReapInterval time.Duration

	// NoSync disables fsync per transaction. Testing only.
	NoSync bool

	// Logger for store events.
	Logger *slog.Logger
}

// Store is a persistent artifact tier. One bucket per cache name, one
// envelope per artifact key. Implements cache.TierStore.
type Store struct {
	config  Config
	logger  *slog.Logger
	now     func() time.Time
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open opens (creating if necessary) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &Store{
		config:  cfg,
		logger:  cfg.Logger,
		now:     time.Now,
		db:      db,
		encoder: enc,
		decoder: dec,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	s.logger.Debug("opened store", "path", cfg.Path, "ttl", cfg.TTL)
	return s, nil
}

// Close releases the database and codec resources. The reaper, if started,
// must be stopped first.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

// Get returns the stored artifact and refreshes its last-access time.
func (s *Store) Get(ctx context.Context, cache, key string) ([]byte, bool, error) {
	start := s.now()

	var data []byte
	var found bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cache))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}

		decoded, env, err := s.decode(raw)
		if err != nil {
			return err
		}
		data = decoded
		found = true

		env.lastAccess = s.now()
		return b.Put([]byte(key), s.encodeWithPayload(env, raw[headerSize:]))
	})
	if err != nil {
		telemetry.RecordTierOp(ctx, "get", "error", s.now().Sub(start), 0)
		return nil, false, fmt.Errorf("store get %s/%s: %w", cache, key, err)
	}

	outcome := "miss"
	if found {
		outcome = "hit"
	}
	telemetry.RecordTierOp(ctx, "get", outcome, s.now().Sub(start), int64(len(data)))
	return data, found, nil
}

// Put stores the artifact, compressing payloads above the threshold when
// compression actually shrinks them.
func (s *Store) Put(ctx context.Context, cache, key string, value []byte) error {
	start := s.now()

	now := s.now()
	env := envelope{
		encoding:   encodingIdentity,
		storedAt:   now,
		lastAccess: now,
		rawSize:    int64(len(value)),
	}

	payload := value
	if len(value) >= compressThreshold {
		compressed := s.encoder.EncodeAll(value, nil)
		if len(compressed) < len(value) {
			env.encoding = encodingZstd
			payload = compressed
		}
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(cache))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), s.encodeWithPayload(env, payload))
	})
	if err != nil {
		telemetry.RecordTierOp(ctx, "put", "error", s.now().Sub(start), 0)
		return fmt.Errorf("store put %s/%s: %w", cache, key, err)
	}

	telemetry.RecordTierOp(ctx, "put", "ok", s.now().Sub(start), int64(len(payload)))
	return nil
}

// Delete removes the artifact. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, cache, key string) error {
	start := s.now()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cache))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		telemetry.RecordTierOp(ctx, "delete", "error", s.now().Sub(start), 0)
		return fmt.Errorf("store delete %s/%s: %w", cache, key, err)
	}

	telemetry.RecordTierOp(ctx, "delete", "ok", s.now().Sub(start), 0)
	return nil
}

// Len returns the number of entries stored for one cache.
func (s *Store) Len(cache string) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cache))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// envelope is the decoded header of one stored artifact.
type envelope struct {
	encoding   byte
	storedAt   time.Time
	lastAccess time.Time
	rawSize    int64
}

// encodeWithPayload serialises the envelope header followed by the (possibly
// compressed) payload.
func (s *Store) encodeWithPayload(env envelope, payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	out[0] = envelopeVersion
	out[1] = env.encoding
	binary.BigEndian.PutUint64(out[2:], uint64(env.storedAt.UnixNano()))
	binary.BigEndian.PutUint64(out[10:], uint64(env.lastAccess.UnixNano()))
	binary.BigEndian.PutUint64(out[18:], uint64(env.rawSize))
	copy(out[headerSize:], payload)
	return out
}

// decode parses an envelope and returns the decompressed artifact bytes.
func (s *Store) decode(raw []byte) ([]byte, envelope, error) {
	if len(raw) < headerSize {
		return nil, envelope{}, fmt.Errorf("%w: short envelope (%d bytes)", ErrCorrupted, len(raw))
	}
	if raw[0] != envelopeVersion {
		return nil, envelope{}, fmt.Errorf("%w: unknown version %d", ErrCorrupted, raw[0])
	}

	env := envelope{
		encoding:   raw[1],
		storedAt:   time.Unix(0, int64(binary.BigEndian.Uint64(raw[2:]))),
		lastAccess: time.Unix(0, int64(binary.BigEndian.Uint64(raw[10:]))),
		rawSize:    int64(binary.BigEndian.Uint64(raw[18:])),
	}
	if env.rawSize < 0 || env.rawSize > maxArtifactSize {
		return nil, envelope{}, fmt.Errorf("%w: implausible size %d", ErrCorrupted, env.rawSize)
	}

	payload := raw[headerSize:]
	switch env.encoding {
	case encodingIdentity:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, env, nil
	case encodingZstd:
		out, err := s.decoder.DecodeAll(payload, make([]byte, 0, env.rawSize))
		if err != nil {
			return nil, envelope{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if int64(len(out)) != env.rawSize {
			return nil, envelope{}, fmt.Errorf("%w: size mismatch (%d != %d)", ErrCorrupted, len(out), env.rawSize)
		}
		return out, env, nil
	default:
		return nil, envelope{}, fmt.Errorf("%w: unknown encoding %d", ErrCorrupted, env.encoding)
	}
}
