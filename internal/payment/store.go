package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key templates
const (
	challengeKeyFmt = "challenge:%s"         // %s = nonce
	liveKeyFmt      = "challenge:live:%s:%s" // %s = identity, resource
	receiptKeyFmt   = "payment:receipt:%s"   // %s = nonce
)

// Challenges outlive their expiry by this much so late proofs read as
// expired instead of unknown.
const challengeRetention = 24 * time.Hour

func challengeKey(nonce string) string { return fmt.Sprintf(challengeKeyFmt, strings.ToLower(nonce)) }
func liveKey(identity, resource string) string {
	return fmt.Sprintf(liveKeyFmt, strings.ToLower(identity), resource)
}
func receiptKey(nonce string) string { return fmt.Sprintf(receiptKeyFmt, strings.ToLower(nonce)) }

// createScript returns the live nonce for (identity, resource), creating the
// challenge when there is none.
//
// KEYS[1] live pointer; KEYS[2] new challenge hash
// ARGV[1] nonce; ARGV[2] live ttl ms; ARGV[3] hash ttl ms; ARGV[4..] field/value pairs
var createScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return existing
end
redis.call('HSET', KEYS[2], unpack(ARGV, 4))
redis.call('PEXPIRE', KEYS[2], ARGV[3])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ARGV[1]
`)

// dropLiveScript deletes the live pointer only if it still names ARGV[1].
var dropLiveScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// readScript applies lazy expiry and returns the challenge hash.
//
// KEYS[1] challenge hash; ARGV[1] now ms; ARGV[2] stale-verification ms
var readScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'state', 'expires_at', 'verifying_since')
if not h[1] then
  return {}
end
local now = tonumber(ARGV[1])
if now >= tonumber(h[2]) then
  local s = h[1]
  local stale = s == 'VERIFYING' and (now - tonumber(h[3] or '0')) >= tonumber(ARGV[2])
  if s == 'CHALLENGED' or s == 'REJECTED' or stale then
    redis.call('HSET', KEYS[1], 'state', 'EXPIRED')
  end
end
return redis.call('HGETALL', KEYS[1])
`)

// beginScript moves CHALLENGED/REJECTED (or a stale VERIFYING) to VERIFYING.
//
// KEYS[1] challenge hash; KEYS[2] receipt hash
// ARGV[1] now ms; ARGV[2] identity; ARGV[3] resource; ARGV[4] stale ms
var beginScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 'consumed'
end
local h = redis.call('HMGET', KEYS[1], 'state', 'expires_at', 'identity', 'resource', 'verifying_since')
if not h[1] or h[3] ~= ARGV[2] or h[4] ~= ARGV[3] then
  return 'not_found'
end
local s = h[1]
if s == 'ADMITTED' then
  return 'consumed'
end
if s == 'EXPIRED' then
  return 'expired'
end
local now = tonumber(ARGV[1])
if now >= tonumber(h[2]) then
  redis.call('HSET', KEYS[1], 'state', 'EXPIRED')
  return 'expired'
end
if s == 'VERIFYING' and (now - tonumber(h[5] or '0')) < tonumber(ARGV[4]) then
  return 'busy'
end
redis.call('HSET', KEYS[1], 'state', 'VERIFYING', 'verifying_since', ARGV[1])
return 'ok'
`)

// finishScript leaves VERIFYING for ARGV[1] (CHALLENGED or REJECTED).
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'VERIFYING' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'last_reason', ARGV[2])
return 1
`)

// admitScript records the receipt and consumes the challenge in one step.
//
// KEYS[1] challenge hash; KEYS[2] receipt hash; KEYS[3] live pointer
// ARGV[1] nonce; ARGV[2..] receipt field/value pairs
var admitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 'consumed'
end
if redis.call('HGET', KEYS[1], 'state') ~= 'VERIFYING' then
  return 'not_verifying'
end
redis.call('HSET', KEYS[2], unpack(ARGV, 2))
redis.call('HSET', KEYS[1], 'state', 'ADMITTED')
if redis.call('GET', KEYS[3]) == ARGV[1] then
  redis.call('DEL', KEYS[3])
end
return 'ok'
`)

// store wraps the scripts above.
type store struct {
	rdb *redis.Client
}

func (s *store) create(ctx context.Context, c *Challenge, liveTTL time.Duration) (string, error) {
	args := []any{
		c.Nonce,
		liveTTL.Milliseconds(),
		(liveTTL + challengeRetention).Milliseconds(),
		"nonce", c.Nonce,
		"identity", c.Identity,
		"resource", c.Resource,
		"description", c.Description,
		"amount", c.Amount,
		"asset", c.Asset,
		"asset_name", c.AssetName,
		"asset_version", c.AssetVersion,
		"recipient", c.Recipient,
		"network", c.Network,
		"state", string(StateChallenged),
		"created_at", c.CreatedAt.UnixMilli(),
		"expires_at", c.ExpiresAt.UnixMilli(),
	}
	return createScript.Run(ctx, s.rdb,
		[]string{liveKey(c.Identity, c.Resource), challengeKey(c.Nonce)}, args...,
	).Text()
}

func (s *store) dropLive(ctx context.Context, identity, resource, nonce string) error {
	return dropLiveScript.Run(ctx, s.rdb, []string{liveKey(identity, resource)}, nonce).Err()
}

// read returns nil, nil when the challenge does not exist.
func (s *store) read(ctx context.Context, nonce string, now time.Time, stale time.Duration) (*Challenge, error) {
	vals, err := readScript.Run(ctx, s.rdb, []string{challengeKey(nonce)},
		now.UnixMilli(), stale.Milliseconds(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		m[vals[i]] = vals[i+1]
	}
	return challengeFromMap(m), nil
}

func (s *store) begin(ctx context.Context, nonce, identity, resource string, now time.Time, stale time.Duration) error {
	res, err := beginScript.Run(ctx, s.rdb,
		[]string{challengeKey(nonce), receiptKey(nonce)},
		now.UnixMilli(), identity, resource, stale.Milliseconds(),
	).Text()
	if err != nil {
		return fmt.Errorf("begin verification: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "consumed":
		return ErrChallengeConsumed
	case "expired":
		return ErrChallengeExpired
	case "busy":
		return ErrVerificationInProgress
	default:
		return ErrChallengeNotFound
	}
}

func (s *store) finish(ctx context.Context, nonce string, state State, reason string) error {
	return finishScript.Run(ctx, s.rdb, []string{challengeKey(nonce)}, string(state), reason).Err()
}

func (s *store) admit(ctx context.Context, c *Challenge, r *Receipt) error {
	res, err := admitScript.Run(ctx, s.rdb,
		[]string{challengeKey(c.Nonce), receiptKey(c.Nonce), liveKey(c.Identity, c.Resource)},
		c.Nonce,
		"nonce", r.Nonce,
		"identity", r.Identity,
		"resource", r.Resource,
		"payer", r.Payer,
		"amount", r.Amount,
		"tx_reference", r.TxReference,
		"proof_hash", r.ProofHash,
		"verified_at", r.VerifiedAt.UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("admit payment: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "consumed":
		return ErrChallengeConsumed
	default:
		return ErrChallengeExpired
	}
}

// receipt returns nil, nil when no receipt exists for nonce.
func (s *store) receipt(ctx context.Context, nonce string) (*Receipt, error) {
	vals, err := s.rdb.HGetAll(ctx, receiptKey(nonce)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return receiptFromMap(vals), nil
}

func challengeFromMap(m map[string]string) *Challenge {
	return &Challenge{
		Nonce:        m["nonce"],
		Identity:     m["identity"],
		Resource:     m["resource"],
		Description:  m["description"],
		Amount:       m["amount"],
		Asset:        m["asset"],
		AssetName:    m["asset_name"],
		AssetVersion: m["asset_version"],
		Recipient:    m["recipient"],
		Network:      m["network"],
		State:        State(m["state"]),
		LastReason:   m["last_reason"],
		CreatedAt:    msToTime(m["created_at"]),
		ExpiresAt:    msToTime(m["expires_at"]),
	}
}

func receiptFromMap(m map[string]string) *Receipt {
	return &Receipt{
		Nonce:       m["nonce"],
		Identity:    m["identity"],
		Resource:    m["resource"],
		Payer:       m["payer"],
		Amount:      m["amount"],
		TxReference: m["tx_reference"],
		ProofHash:   m["proof_hash"],
		VerifiedAt:  msToTime(m["verified_at"]),
	}
}

func msToTime(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(ms).UTC()
}

// ReceiptKey is exported for the settlement script, which refuses to record
// an outcome without a receipt.
func ReceiptKey(nonce string) string { return receiptKey(nonce) }
