package ability

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"loglens/fflogs"
)

// NameStore is the durable side of the id→name cache. Loaded lazily on
// first use, written after each resolution batch.
type NameStore interface {
	LoadNames() (map[int]string, error)
	PutNames(names map[int]string) error
}

const (
	defaultWorkers  = 8
	maxFailedSample = 20
)

// Options steers one resolution batch.
type Options struct {
	// IncludeKnown re-resolves ids that already have a name.
	IncludeKnown bool
}

// Stats describes what one resolution batch did.
type Stats struct {
	CacheHits       int   `json:"cacheHits"`
	Fetched         int   `json:"fetched"`
	Resolved        int   `json:"resolved"`
	Unresolved      int   `json:"unresolved"`
	RequestFailures int   `json:"requestFailures"`
	ParseFailures   int   `json:"parseFailures"`
	FailedSample    []int `json:"failedSample,omitempty"`
}

// Resolver resolves ability names through the external dictionary with
// a bounded worker pool. The concurrency cap is a deliberate throttle
// against the dictionary service's rate limits, not a tuning knob.
//
// The in-memory cache is append-only; duplicate resolution of the same
// id across concurrent batches converges to the same value, so
// last-writer-wins is harmless.
type Resolver struct {
	dict    *DictClient
	store   NameStore
	workers int

	mu     sync.Mutex
	names  map[int]string
	loaded bool
}

func NewResolver(dict *DictClient, store NameStore, workers int) *Resolver {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Resolver{
		dict:    dict,
		store:   store,
		workers: workers,
		names:   make(map[int]string),
	}
}

func (r *Resolver) ensureLoaded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return
	}
	r.loaded = true
	if r.store == nil {
		return
	}
	names, err := r.store.LoadNames()
	if err != nil {
		slog.Warn("could not load persisted ability names, starting cold", "error", err)
		return
	}
	for id, name := range names {
		r.names[id] = name
	}
}

// sampleIDs caps a sorted id list for diagnostics.
func sampleIDs(ids []int) []int {
	sample := make([]int, len(ids))
	copy(sample, ids)
	sort.Ints(sample)
	if len(sample) > maxFailedSample {
		sample = sample[:maxFailedSample]
	}
	return sample
}

// distinctAbilityIDs collects the ability ids referenced by a batch.
func distinctAbilityIDs(events []fflogs.CastEvent) []int {
	seen := make(map[int]struct{}, 64)
	for _, ev := range events {
		if id := ev.AbilityID(); id > 0 {
			seen[id] = struct{}{}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ResolveMissing resolves names for every ability id the event batch
// references that is not already known. Resolution failures are never
// fatal: unresolved ids are counted and sampled, and whatever resolved
// is flushed to the durable store regardless of outcome.
func (r *Resolver) ResolveMissing(ctx context.Context, events []fflogs.CastEvent, known map[int]string, opts Options) (map[int]string, Stats) {
	r.ensureLoaded()

	var stats Stats
	resolved := make(map[int]string)
	fresh := make(map[int]string)

	var want []int
	for _, id := range distinctAbilityIDs(events) {
		if !opts.IncludeKnown {
			if name, ok := known[id]; ok && name != "" {
				continue
			}
		}
		want = append(want, id)
	}

	var todo []int
	r.mu.Lock()
	for _, id := range want {
		if name, ok := r.names[id]; ok && name != "" {
			resolved[id] = name
			stats.CacheHits++
			continue
		}
		todo = append(todo, id)
	}
	r.mu.Unlock()

	if len(todo) == 0 {
		return resolved, stats
	}

	// One probe before bulk work: an unreachable dictionary
	// short-circuits the batch instead of timing out per id.
	if err := r.dict.Ping(ctx); err != nil {
		slog.Warn("dictionary unreachable, skipping resolution batch",
			slog.Int("pending", len(todo)), "error", err)
		stats.Unresolved = len(todo)
		stats.FailedSample = sampleIDs(todo)
		return resolved, stats
	}

	jobs := make(chan int)
	var (
		wg      sync.WaitGroup
		statsMu sync.Mutex
	)
	worker := func() {
		defer wg.Done()
		for id := range jobs {
			name, found, err := r.dict.Lookup(ctx, id)

			statsMu.Lock()
			stats.Fetched++
			switch {
			case err != nil:
				if errors.Is(err, ErrDecode) {
					stats.ParseFailures++
				} else {
					stats.RequestFailures++
				}
				stats.Unresolved++
				if len(stats.FailedSample) < maxFailedSample {
					stats.FailedSample = append(stats.FailedSample, id)
				}
			case !found:
				stats.Unresolved++
				if len(stats.FailedSample) < maxFailedSample {
					stats.FailedSample = append(stats.FailedSample, id)
				}
			default:
				stats.Resolved++
			}
			statsMu.Unlock()

			if err == nil && found {
				// Write through immediately so a batch that fails
				// partway still keeps its partial results.
				r.mu.Lock()
				r.names[id] = name
				r.mu.Unlock()
				statsMu.Lock()
				resolved[id] = name
				fresh[id] = name
				statsMu.Unlock()
			}
		}
	}

	wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go worker()
	}
	for _, id := range todo {
		select {
		case jobs <- id:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	sort.Ints(stats.FailedSample)

	if r.store != nil && len(fresh) > 0 {
		if err := r.store.PutNames(fresh); err != nil {
			slog.Warn("could not persist resolved ability names", "error", err)
		}
	}

	return resolved, stats
}
