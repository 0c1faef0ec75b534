// Package syncutil holds small concurrency primitives shared across packages.
package syncutil

import (
	"sort"
	"sync"
	"time"
)

const claimShards = 64

// Claim describes who holds an id and since when.
type Claim struct {
	ID     uint64    `json:"id"`
	Holder string    `json:"holder"`
	Since  time.Time `json:"since"`
}

type claimShard struct {
	mu     sync.Mutex
	claims map[uint64]Claim
}

// ClaimSet is a non-blocking per-id exclusion set. A second TryClaim for an
// id that is already held fails immediately instead of waiting, so callers
// can report the work as in flight. Ids are spread over fixed shards to keep
// unrelated ids off the same lock.
type ClaimSet struct {
	shards [claimShards]claimShard
	once   sync.Once
}

// NewClaimSet creates an empty claim set.
func NewClaimSet() *ClaimSet {
	c := &ClaimSet{}
	c.init()
	return c
}

func (c *ClaimSet) init() {
	c.once.Do(func() {
		for i := range c.shards {
			c.shards[i].claims = make(map[uint64]Claim)
		}
	})
}

func (c *ClaimSet) shard(id uint64) *claimShard {
	return &c.shards[id%claimShards]
}

// TryClaim takes id for holder. On success it returns a release function
// that is safe to call more than once. On failure it returns the current
// claim.
func (c *ClaimSet) TryClaim(id uint64, holder string) (release func(), ok bool, current Claim) {
	c.init()
	s := c.shard(id)

	s.mu.Lock()
	if existing, held := s.claims[id]; held {
		s.mu.Unlock()
		return nil, false, existing
	}
	claim := Claim{ID: id, Holder: holder, Since: time.Now()}
	s.claims[id] = claim
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.claims, id)
			s.mu.Unlock()
		})
	}, true, claim
}

// Held reports whether id is currently claimed.
func (c *ClaimSet) Held(id uint64) bool {
	c.init()
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claims[id]
	return ok
}

// Len returns the number of held claims.
func (c *ClaimSet) Len() int {
	c.init()
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.claims)
		s.mu.Unlock()
	}
	return n
}

// Snapshot returns every held claim ordered by id.
func (c *ClaimSet) Snapshot() []Claim {
	c.init()
	var out []Claim
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for _, cl := range s.claims {
			out = append(out, cl)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
