package ability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loglens/fflogs"
)

// memStore is an in-memory NameStore recording flushes.
type memStore struct {
	mu     sync.Mutex
	names  map[int]string
	puts   int
	broken bool
}

func (s *memStore) LoadNames() (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return nil, errors.New("store offline")
	}
	out := make(map[int]string, len(s.names))
	for id, name := range s.names {
		out[id] = name
	}
	return out, nil
}

func (s *memStore) PutNames(names map[int]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errors.New("store offline")
	}
	if s.names == nil {
		s.names = make(map[int]string)
	}
	for id, name := range names {
		s.names[id] = name
	}
	s.puts++
	return nil
}

// newDictServer serves a fixed sheet/id → name table; everything else
// is a 404.
func newDictServer(t *testing.T, table map[string]string, hits *int32) *DictClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		name, ok := table[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ID":1,"Name":%q,"Icon":"/i/x.png"}`, name)
	}))
	t.Cleanup(srv.Close)
	return NewDictClient(srv.URL, time.Second)
}

func castEvents(ids ...int) []fflogs.CastEvent {
	events := make([]fflogs.CastEvent, 0, len(ids))
	for i, id := range ids {
		events = append(events, fflogs.CastEvent{
			Timestamp:     int64(i * 1000),
			Type:          "cast",
			SourceID:      1,
			AbilityGameID: id,
		})
	}
	return events
}

func TestLookupWalksSheetLadder(t *testing.T) {
	dict := newDictServer(t, map[string]string{
		"/PetAction/200": "Wyrmwave",
	}, nil)

	name, found, err := dict.Lookup(context.Background(), 200)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || name != "Wyrmwave" {
		t.Fatalf("expected PetAction fallback hit, got %q found=%v", name, found)
	}
}

func TestLookupFoldsLargeIDs(t *testing.T) {
	dict := newDictServer(t, map[string]string{
		"/Action/42": "Dosis III",
	}, nil)

	name, found, err := dict.Lookup(context.Background(), 1_000_042)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || name != "Dosis III" {
		t.Fatalf("expected folded id hit, got %q found=%v", name, found)
	}
}

func TestLookupCleanMiss(t *testing.T) {
	dict := newDictServer(t, nil, nil)

	name, found, err := dict.Lookup(context.Background(), 999)
	if err != nil {
		t.Fatalf("a 404 on every sheet must not error: %v", err)
	}
	if found || name != "" {
		t.Fatalf("expected clean miss, got %q", name)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	dict := NewDictClient(srv.URL, time.Second)

	_, _, err := dict.fetch(context.Background(), "Action", 7)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := atomic.LoadInt32(&hits); got != dictMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", dictMaxAttempts, got)
	}
}

func TestFetchSurfacesDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>maintenance</html>")
	}))
	t.Cleanup(srv.Close)
	dict := NewDictClient(srv.URL, time.Second)

	_, _, err := dict.fetch(context.Background(), "Action", 7)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestResolveMissingFetchesAndFlushes(t *testing.T) {
	dict := newDictServer(t, map[string]string{
		"/Action/1":   "Probe", // also answers the connectivity probe
		"/Action/100": "Fire",
		"/Action/101": "Blizzard",
	}, nil)
	store := &memStore{}
	r := NewResolver(dict, store, 2)

	known := map[int]string{101: "Blizzard"}
	resolved, stats := r.ResolveMissing(context.Background(), castEvents(100, 101, 100), known, Options{})

	if resolved[100] != "Fire" {
		t.Fatalf("expected id 100 resolved, got %v", resolved)
	}
	if _, ok := resolved[101]; ok {
		t.Error("known id must be skipped")
	}
	if stats.Fetched != 1 || stats.Resolved != 1 || stats.Unresolved != 0 {
		t.Fatalf("stats: %+v", stats)
	}

	store.mu.Lock()
	flushed, puts := store.names[100], store.puts
	store.mu.Unlock()
	if flushed != "Fire" || puts != 1 {
		t.Fatalf("expected one durable flush with id 100, got %q after %d puts", flushed, puts)
	}
}

func TestResolveMissingFlushesPartialBatch(t *testing.T) {
	// Id 100 resolves, 101 misses every sheet, 102 always errors.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/Action/1":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"ID":1,"Name":"Probe","Icon":"/i/x.png"}`)
		case r.URL.Path == "/Action/100":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"ID":100,"Name":"Fire","Icon":"/i/x.png"}`)
		case strings.HasSuffix(r.URL.Path, "/102"):
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	dict := NewDictClient(srv.URL, time.Second)
	store := &memStore{}
	r := NewResolver(dict, store, 2)

	resolved, stats := r.ResolveMissing(context.Background(), castEvents(100, 101, 102), nil, Options{})

	if resolved[100] != "Fire" || len(resolved) != 1 {
		t.Fatalf("expected only id 100 resolved, got %v", resolved)
	}
	if stats.Resolved != 1 || stats.Unresolved != 2 || stats.RequestFailures != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	store.mu.Lock()
	flushed := make(map[int]string, len(store.names))
	for id, name := range store.names {
		flushed[id] = name
	}
	puts := store.puts
	store.mu.Unlock()
	if puts != 1 {
		t.Fatalf("expected one durable flush despite failures, got %d", puts)
	}
	if len(flushed) != 1 || flushed[100] != "Fire" {
		t.Fatalf("expected only the resolved subset flushed, got %v", flushed)
	}
}

func TestResolveMissingChecksCacheFirst(t *testing.T) {
	var hits int32
	dict := newDictServer(t, map[string]string{
		"/Action/1":   "Probe",
		"/Action/100": "Fire",
	}, &hits)
	r := NewResolver(dict, &memStore{}, 2)

	_, first := r.ResolveMissing(context.Background(), castEvents(100), nil, Options{})
	if first.CacheHits != 0 || first.Fetched != 1 {
		t.Fatalf("first batch stats: %+v", first)
	}
	before := atomic.LoadInt32(&hits)

	resolved, second := r.ResolveMissing(context.Background(), castEvents(100), nil, Options{})
	if resolved[100] != "Fire" {
		t.Fatalf("expected cached name, got %v", resolved)
	}
	if second.CacheHits != 1 || second.Fetched != 0 {
		t.Fatalf("second batch stats: %+v", second)
	}
	if after := atomic.LoadInt32(&hits); after != before {
		t.Fatalf("cache hit must not touch the dictionary (%d -> %d hits)", before, after)
	}
}

func TestResolveMissingLoadsDurableStoreOnce(t *testing.T) {
	var hits int32
	dict := newDictServer(t, nil, &hits)
	store := &memStore{names: map[int]string{100: "Fire"}}
	r := NewResolver(dict, store, 2)

	resolved, stats := r.ResolveMissing(context.Background(), castEvents(100), nil, Options{})
	if resolved[100] != "Fire" {
		t.Fatalf("expected durable cache hit, got %v", resolved)
	}
	if stats.CacheHits != 1 || stats.Fetched != 0 {
		t.Fatalf("stats: %+v", stats)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("fully cached batch must not touch the dictionary")
	}
}

func TestResolveMissingShortCircuitsWhenDictionaryDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	dict := NewDictClient(url, 500*time.Millisecond)
	r := NewResolver(dict, &memStore{}, 2)

	resolved, stats := r.ResolveMissing(context.Background(), castEvents(100, 101, 102), nil, Options{})
	if len(resolved) != 0 {
		t.Fatalf("expected nothing resolved, got %v", resolved)
	}
	if stats.Unresolved != 3 || stats.Fetched != 0 {
		t.Fatalf("stats: %+v", stats)
	}
	want := []int{100, 101, 102}
	if len(stats.FailedSample) != len(want) {
		t.Fatalf("expected failed sample %v, got %v", want, stats.FailedSample)
	}
	for i := range want {
		if stats.FailedSample[i] != want[i] {
			t.Fatalf("expected sorted sample %v, got %v", want, stats.FailedSample)
		}
	}
}

func TestResolveMissingIncludeKnown(t *testing.T) {
	dict := newDictServer(t, map[string]string{
		"/Action/1":   "Probe",
		"/Action/100": "Fire II",
	}, nil)
	r := NewResolver(dict, &memStore{}, 2)

	known := map[int]string{100: "Fire"}
	resolved, stats := r.ResolveMissing(context.Background(), castEvents(100), known, Options{IncludeKnown: true})
	if resolved[100] != "Fire II" {
		t.Fatalf("expected re-resolution of a known id, got %v", resolved)
	}
	if stats.Fetched != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestResolverStartsColdOnBrokenStore(t *testing.T) {
	dict := newDictServer(t, map[string]string{
		"/Action/1":   "Probe",
		"/Action/100": "Fire",
	}, nil)
	r := NewResolver(dict, &memStore{broken: true}, 2)

	resolved, stats := r.ResolveMissing(context.Background(), castEvents(100), nil, Options{})
	if resolved[100] != "Fire" {
		t.Fatalf("a broken store must not block resolution, got %v", resolved)
	}
	if stats.Resolved != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestSheetAfterPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after := r.URL.Query().Get("after")
		w.Header().Set("Content-Type", "application/json")
		if after == "0" {
			fmt.Fprint(w, `{"Results":[{"ID":1,"Name":"A"},{"ID":2,"Name":"B"}]}`)
			return
		}
		fmt.Fprint(w, `{"Results":[{"ID":3,"Name":"C"}]}`)
	}))
	t.Cleanup(srv.Close)
	dict := NewDictClient(srv.URL, time.Second)

	page, err := dict.SheetAfter(context.Background(), "Action", 0, 2)
	if err != nil {
		t.Fatalf("SheetAfter: %v", err)
	}
	if len(page.Rows) != 2 || page.Next != 2 {
		t.Fatalf("first page: %+v", page)
	}

	page, err = dict.SheetAfter(context.Background(), "Action", page.Next, 2)
	if err != nil {
		t.Fatalf("SheetAfter: %v", err)
	}
	if len(page.Rows) != 1 || page.Next != 0 {
		t.Fatalf("last page: %+v", page)
	}
}
