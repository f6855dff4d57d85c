package gateway

import (
	"context"
	"sync"
	"time"
)

// inFlightFetch tracks a single upstream fetch that multiple callers may wait for.
type inFlightFetch struct {
	mu      sync.Mutex
	payload []byte
	err     error
	done    bool
	waiters []chan struct{}
}

// fetchCoalescer merges concurrent misses for the same fingerprint into one
// upstream fetch, so a burst of identical requests charges the quota once.
type fetchCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
	timeout  time.Duration
}

func newFetchCoalescer(timeout time.Duration) *fetchCoalescer {
	return &fetchCoalescer{
		inFlight: make(map[string]*inFlightFetch),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of an in-flight fetch for fp if one exists,
// otherwise runs fn and registers it. The second return reports whether this
// caller coalesced onto another caller's fetch.
func (fc *fetchCoalescer) GetOrDo(ctx context.Context, fp string, fn func() ([]byte, error)) ([]byte, bool, error) {
	fc.mu.Lock()
	req, exists := fc.inFlight[fp]
	if exists {
		notify := make(chan struct{})
		req.mu.Lock()
		if req.done {
			payload, err := req.payload, req.err
			req.mu.Unlock()
			fc.mu.Unlock()
			return payload, true, err
		}
		req.waiters = append(req.waiters, notify)
		req.mu.Unlock()
		fc.mu.Unlock()

		waitCtx, cancel := context.WithTimeout(ctx, fc.timeout)
		defer cancel()
		select {
		case <-notify:
			req.mu.Lock()
			payload, err := req.payload, req.err
			req.mu.Unlock()
			return payload, true, err
		case <-waitCtx.Done():
			return nil, true, waitCtx.Err()
		}
	}

	req = &inFlightFetch{}
	fc.inFlight[fp] = req
	fc.mu.Unlock()

	// Run the fetch detached from this caller's context so that other waiters
	// still get a result if the initiator gives up.
	go func() {
		payload, err := fn()

		req.mu.Lock()
		req.payload = payload
		req.err = err
		req.done = true
		waiters := req.waiters
		req.waiters = nil
		req.mu.Unlock()

		for _, notify := range waiters {
			close(notify)
		}

		fc.mu.Lock()
		delete(fc.inFlight, fp)
		fc.mu.Unlock()
	}()

	notify := make(chan struct{})
	req.mu.Lock()
	if req.done {
		payload, err := req.payload, req.err
		req.mu.Unlock()
		return payload, false, err
	}
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()
	select {
	case <-notify:
		req.mu.Lock()
		payload, err := req.payload, req.err
		req.mu.Unlock()
		return payload, false, err
	case <-waitCtx.Done():
		return nil, false, waitCtx.Err()
	}
}
