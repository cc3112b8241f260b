package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/orchmetrics"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix   = "idempotency:"
	DefaultTTL      = 24 * time.Hour
	DefaultClaimTTL = 30 * time.Second
	lockSuffix      = ":lock"
)

// ErrRequestInFlight is returned when another request holds the claim on the
// same key and has not stored its response yet.
var ErrRequestInFlight = errors.New("request with this idempotency key is in flight")

type Options struct {
	Prefix   string
	TTL      time.Duration
	ClaimTTL time.Duration
}

// Store caches serialized batch responses in Redis. Every Redis failure is
// logged and treated as a miss so the cache can never block order intake.
type Store struct {
	client   redis.Cmdable
	prefix   string
	ttl      time.Duration
	claimTTL time.Duration
	logger   *slog.Logger
	metrics  *orchmetrics.Metrics
}

func NewStore(client redis.Cmdable, opts Options, logger *slog.Logger, metrics *orchmetrics.Metrics) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:   client,
		prefix:   opts.Prefix,
		ttl:      opts.TTL,
		claimTTL: opts.ClaimTTL,
		logger:   logger,
		metrics:  metrics,
	}
}

// Check returns the cached response for key, if any.
func (s *Store) Check(ctx context.Context, key string) ([]byte, bool) {
	if s == nil || s.client == nil {
		return nil, false
	}
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.metrics.Idempotency("miss")
			return nil, false
		}
		s.metrics.Idempotency("error")
		s.logger.Warn("idempotency lookup failed", "key", key, "error", err)
		return nil, false
	}
	s.metrics.Idempotency("hit")
	return val, true
}

// Claim reserves key for the caller. It returns ErrRequestInFlight when the
// key is already claimed; cache errors leave the request unclaimed but allowed.
func (s *Store) Claim(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return nil
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key+lockSuffix, time.Now().UTC().Format(time.RFC3339Nano), s.claimTTL).Result()
	if err != nil {
		s.metrics.Idempotency("error")
		s.logger.Warn("idempotency claim failed", "key", key, "error", err)
		return nil
	}
	if !ok {
		s.metrics.Idempotency("in_flight")
		return ErrRequestInFlight
	}
	return nil
}

// Release drops a claim without storing a response, letting a retry proceed.
func (s *Store) Release(ctx context.Context, key string) {
	if s == nil || s.client == nil {
		return
	}
	if err := s.client.Del(ctx, s.prefix+key+lockSuffix).Err(); err != nil {
		s.logger.Warn("idempotency release failed", "key", key, "error", err)
	}
}

// Save stores response under key for the configured TTL and clears the claim.
func (s *Store) Save(ctx context.Context, key string, response []byte) {
	if s == nil || s.client == nil {
		return
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.prefix+key, response, s.ttl)
		pipe.Del(ctx, s.prefix+key+lockSuffix)
		return nil
	})
	if err != nil {
		s.metrics.Idempotency("error")
		s.logger.Warn("idempotency save failed", "key", key, "error", err)
	}
}

// DeriveKey returns the caller supplied key verbatim, or the SHA-256 hex of
// the canonical JSON of request (object keys sorted) when none was given.
func DeriveKey(callerKey string, request any) (string, error) {
	if callerKey != "" {
		return callerKey, nil
	}
	canonical, err := CanonicalJSON(request)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ScopeKey namespaces key by the calling user. The user id is length
// prefixed so no pair of (user, key) values can produce the same result.
// An empty userID leaves key unchanged.
func ScopeKey(userID, key string) string {
	if userID == "" {
		return key
	}
	return fmt.Sprintf("%d:%s:%s", len(userID), userID, key)
}

// CanonicalJSON re-encodes v through a generic map so that object keys are
// emitted in sorted order regardless of struct field order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var generic any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return json.Marshal(generic)
}
