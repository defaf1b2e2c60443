package syncengine

import (
	"sort"
	"sync"
)

// keyLock serializes writers touching the same uniqueness key
// (<collection>:<field>:<value>) within this process, collapsing the
// probe-then-write window. Cross-process races remain a documented
// relaxation; the store's per-document LWW decides those.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*lockEntry)}
}

// acquire locks every key and returns the release function. Keys are
// deduplicated and locked in sorted order so two requests touching the same
// key set cannot deadlock.
func (k *keyLock) acquire(keys []string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		uniq = append(uniq, key)
	}
	sort.Strings(uniq)

	entries := make([]*lockEntry, len(uniq))
	for i, key := range uniq {
		k.mu.Lock()
		e, ok := k.locks[key]
		if !ok {
			e = &lockEntry{}
			k.locks[key] = e
		}
		e.refs++
		k.mu.Unlock()
		e.mu.Lock()
		entries[i] = e
	}

	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
			k.mu.Lock()
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(k.locks, uniq[i])
			}
			k.mu.Unlock()
		}
	}
}
