package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescer_SingleCaller(t *testing.T) {
	fc := newFetchCoalescer(time.Second)

	payload, coalesced, err := fc.GetOrDo(context.Background(), "k1", func() ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if coalesced {
		t.Error("single caller reported as coalesced")
	}
	if string(payload) != `{"ok":true}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestCoalescer_ConcurrentCallersShareOneFetch(t *testing.T) {
	fc := newFetchCoalescer(5 * time.Second)
	var fetches int32
	release := make(chan struct{})

	fn := func() ([]byte, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return []byte("shared"), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, _, err := fc.GetOrDo(context.Background(), "k1", fn)
			if err != nil {
				t.Errorf("GetOrDo: %v", err)
				return
			}
			results <- string(payload)
		}()
	}

	// Let all callers register before the fetch completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	for payload := range results {
		if payload != "shared" {
			t.Errorf("payload = %q", payload)
		}
	}
}

func TestCoalescer_ErrorSharedByWaiters(t *testing.T) {
	fc := newFetchCoalescer(5 * time.Second)
	fetchErr := errors.New("upstream down")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := fc.GetOrDo(context.Background(), "k1", func() ([]byte, error) {
				<-release
				return nil, fetchErr
			})
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, fetchErr) {
			t.Errorf("error = %v, want %v", err, fetchErr)
		}
	}
}

func TestCoalescer_DistinctKeysDoNotCoalesce(t *testing.T) {
	fc := newFetchCoalescer(time.Second)
	var fetches int32

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			fc.GetOrDo(context.Background(), k, func() ([]byte, error) {
				atomic.AddInt32(&fetches, 1)
				return []byte(k), nil
			})
		}(key)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fetches); got != 3 {
		t.Errorf("fetches = %d, want 3", got)
	}
}

func TestCoalescer_WaiterTimeout(t *testing.T) {
	fc := newFetchCoalescer(50 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	_, _, err := fc.GetOrDo(context.Background(), "slow", func() ([]byte, error) {
		<-release
		return []byte("late"), nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestCoalescer_CleansUpAfterCompletion(t *testing.T) {
	fc := newFetchCoalescer(time.Second)

	fc.GetOrDo(context.Background(), "k1", func() ([]byte, error) {
		return []byte("x"), nil
	})

	// The cleanup goroutine races the return; give it a moment.
	deadline := time.Now().Add(time.Second)
	for {
		fc.mu.Lock()
		n := len(fc.inFlight)
		fc.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("in-flight map not cleaned up, %d entries remain", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
