package syncsched

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claimer holds the per-employer claim that keeps a second job from
// being queued while one is in flight. Claim must be atomic across every
// process sharing the claimer.
type Claimer interface {
	// Claim takes the employer for jobID and reports whether it was free.
	Claim(ctx context.Context, taxID, jobID string) (bool, error)
	// Release frees the employer if jobID still holds it.
	Release(ctx context.Context, taxID, jobID string) error
}

// MemoryClaimer is a process-local Claimer.
type MemoryClaimer struct {
	mu     sync.Mutex
	owners map[string]string
}

var _ Claimer = (*MemoryClaimer)(nil)

// NewMemoryClaimer creates an empty claim table.
func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{owners: make(map[string]string)}
}

func (m *MemoryClaimer) Claim(_ context.Context, taxID, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.owners[taxID]; held {
		return false, nil
	}
	m.owners[taxID] = jobID
	return true, nil
}

func (m *MemoryClaimer) Release(_ context.Context, taxID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[taxID] == jobID {
		delete(m.owners, taxID)
	}
	return nil
}

// Holder returns the job holding taxID, if any.
func (m *MemoryClaimer) Holder(taxID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.owners[taxID]
	return id, ok
}

// DefaultClaimTTL bounds how long a crashed process can hold a claim.
const DefaultClaimTTL = 2 * time.Hour

const claimPrefix = "esocial:sync:claim:"

// releaseScript deletes the claim only when it still holds our job id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer shares claims between engine replicas. A claim expires
// after its TTL so a crashed replica cannot block an employer forever.
type RedisClaimer struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Claimer = (*RedisClaimer)(nil)

// NewRedisClaimer wraps client. A non-positive ttl selects DefaultClaimTTL.
func NewRedisClaimer(client redis.UniversalClient, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisClaimer{client: client, ttl: ttl}
}

func (r *RedisClaimer) Claim(ctx context.Context, taxID, jobID string) (bool, error) {
	return r.client.SetNX(ctx, claimPrefix+taxID, jobID, r.ttl).Result()
}

func (r *RedisClaimer) Release(ctx context.Context, taxID, jobID string) error {
	return releaseScript.Run(ctx, r.client, []string{claimPrefix + taxID}, jobID).Err()
}
