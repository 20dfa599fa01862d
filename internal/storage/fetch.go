package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// FetchResult holds the outcome of a parallel fetch.
type FetchResult struct {
	Objects map[string][]byte
	Errors  map[string]error
}

// Fetch reads many objects with at most concurrency requests in flight.
// Per-object failures are reported in the result, not as the returned
// error.
func Fetch(ctx context.Context, store ObjectStorage, paths []string, concurrency int) (*FetchResult, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	result := &FetchResult{
		Objects: make(map[string][]byte, len(paths)),
		Errors:  make(map[string]error),
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, fmt.Errorf("fetch cancelled: %w", err)
		}
		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := store.Get(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.Objects[path] = data
		}(p)
	}
	wg.Wait()
	return result, nil
}
