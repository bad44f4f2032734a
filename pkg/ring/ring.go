package ring

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// KeyOf returns the stable hash key for a URL. Endpoints sharing a URL
// share a key, which is what makes them share a load-balancer front-end.
func KeyOf(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// RandomKeys generates n random 128-bit virtual node keys
func RandomKeys(n int) []string {
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sum := md5.Sum([]byte(uuid.New().String()))
		keys = append(keys, hex.EncodeToString(sum[:]))
	}
	return keys
}

// Ring is the consistent-hashing wheel mapping endpoint keys to manager
// UUIDs. It is rebuilt from the published virtual-node key lists whenever
// the manager set or any key list changes; every manager observing the
// same published state computes the same owners.
type Ring struct {
	mu     sync.RWMutex
	keys   []string          // sorted virtual node keys
	owners map[string]string // virtual node key -> manager uuid
}

// New returns an empty ring
func New() *Ring {
	return &Ring{owners: make(map[string]string)}
}

// Update replaces the ring contents from a uuid -> virtual keys map.
// A key claimed by two managers goes to the lexicographically smaller
// UUID so that all managers resolve the collision identically.
func (r *Ring) Update(managers map[string][]string) {
	owners := make(map[string]string)
	for _, id := range sortedIDs(managers) {
		for _, key := range managers[id] {
			if existing, ok := owners[key]; !ok || id < existing {
				owners[key] = id
			}
		}
	}

	keys := lo.Keys(owners)
	sort.Strings(keys)

	r.mu.Lock()
	r.keys = keys
	r.owners = owners
	r.mu.Unlock()
}

func sortedIDs(managers map[string][]string) []string {
	ids := lo.Keys(managers)
	sort.Strings(ids)
	return ids
}

// OwnerOf returns the manager UUID owning the given endpoint key: the
// first virtual node at or after the key, wrapping to the start of the
// wheel. The second return is false when the ring is empty.
func (r *Ring) OwnerOf(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return "", false
	}
	idx := sort.SearchStrings(r.keys, key)
	if idx == len(r.keys) {
		idx = 0
	}
	return r.owners[r.keys[idx]], true
}

// Managers returns the distinct manager UUIDs currently on the ring
func (r *Ring) Managers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := lo.Uniq(lo.Values(r.owners))
	sort.Strings(ids)
	return ids
}

// Size returns the number of virtual nodes on the ring
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
