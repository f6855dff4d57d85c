package gateway

import (
	"sync"
)

// stampedeTracker counts concurrent cache misses per fingerprint. A count
// above 1 means several callers missed the same entry at once.
type stampedeTracker struct {
	mu           sync.Mutex
	activeMisses map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{
		activeMisses: make(map[string]int),
	}
}

// RecordMiss increments the concurrent miss count for fp and returns it.
// Callers must pair every RecordMiss with a deferred Resolve.
func (st *stampedeTracker) RecordMiss(fp string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.activeMisses[fp]++
	return st.activeMisses[fp]
}

// Resolve marks one miss for fp as finished.
func (st *stampedeTracker) Resolve(fp string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if count, ok := st.activeMisses[fp]; ok && count > 0 {
		st.activeMisses[fp]--
		if st.activeMisses[fp] == 0 {
			delete(st.activeMisses, fp)
		}
	}
}
