package erpsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
)

// fakeAgent serves checksum and entity fetches from an in-memory catalog,
// using the same digest construction as the central side.
type fakeAgent struct {
	mu             sync.Mutex
	entities       map[string]AgentEntity
	checksumCalls  int
	entityFetches  int
	entitiesServed int
	failChecksum   error
}

func newFakeAgent(entities ...AgentEntity) *fakeAgent {
	agent := &fakeAgent{entities: map[string]AgentEntity{}}
	for _, e := range entities {
		agent.entities[e.Key] = e
	}
	return agent
}

func (a *fakeAgent) inRange(keyRange KeyRange) []AgentEntity {
	var out []AgentEntity
	for _, e := range a.entities {
		if keyRange.Contains(e.Key) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (a *fakeAgent) FetchChecksum(ctx context.Context, keyRange KeyRange) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checksumCalls++
	if a.failChecksum != nil {
		return "", a.failChecksum
	}
	entities := a.inRange(keyRange)
	digests := make([]EntryDigest, len(entities))
	for i, e := range entities {
		digests[i] = EntryDigest{Key: e.Key, ContentHash: e.ContentHash}
	}
	return DigestEntries(digests), nil
}

func (a *fakeAgent) FetchEntities(ctx context.Context, keyRange KeyRange) ([]AgentEntity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entityFetches++
	entities := a.inRange(keyRange)
	a.entitiesServed += len(entities)
	return entities, nil
}

// memoryStore is a CatalogStore over a plain map.
type memoryStore struct {
	mu        sync.Mutex
	items     map[string]AgentEntity
	applyErr  error
	appliedN  int
	applyCall int
}

func newMemoryStore(entities ...AgentEntity) *memoryStore {
	s := &memoryStore{items: map[string]AgentEntity{}}
	for _, e := range entities {
		s.items[e.Key] = e
	}
	return s
}

func (s *memoryStore) Snapshot(ctx context.Context, vendorId string) ([]EntryDigest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryDigest, 0, len(s.items))
	for _, e := range s.items {
		out = append(out, EntryDigest{Key: e.Key, ContentHash: e.ContentHash})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memoryStore) ApplyCorrections(ctx context.Context, vendorId string, corrections []Correction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCall++
	if s.applyErr != nil {
		return s.applyErr
	}
	for _, c := range corrections {
		switch c.Class {
		case models.DriftMissingInAgent:
			delete(s.items, c.Key)
		default:
			s.items[c.Key] = *c.Entity
		}
		s.appliedN++
	}
	return nil
}

type recordedEvent struct {
	eventType models.ReconciliationEventType
	summary   models.EventSummary
}

type memorySink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *memorySink) Record(ctx context.Context, vendorId string, eventType models.ReconciliationEventType, summary models.EventSummary, detail string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{eventType: eventType, summary: summary})
	return nil
}

func (s *memorySink) types() []models.ReconciliationEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ReconciliationEventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.eventType
	}
	return out
}

func testResolver(store CatalogStore, sink EventSink) *Resolver {
	return &Resolver{
		Store:            store,
		Events:           sink,
		LeafThreshold:    32,
		RoundTripTimeout: time.Second,
		AutoResolve:      true,
	}
}

func catalog(n int) []AgentEntity {
	out := make([]AgentEntity, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, AgentEntity{
			Key:         fmt.Sprintf("sku-%05d", i),
			ContentHash: fmt.Sprintf("hash-%05d", i),
			Name:        fmt.Sprintf("Item %d", i),
		})
	}
	return out
}

func TestRunNoDrift(t *testing.T) {
	entities := catalog(100)
	store := newMemoryStore(entities...)
	agent := newFakeAgent(entities...)
	sink := &memorySink{}

	result, err := testResolver(store, sink).Run(context.Background(), "vendor-1", agent)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != RunStateNoDrift {
		t.Fatalf("state = %s, want no_drift", result.State)
	}
	if agent.entityFetches != 0 {
		t.Fatalf("no-drift run fetched entities %d times", agent.entityFetches)
	}
	if got := sink.types(); len(got) != 1 || got[0] != models.EventTypeFullChecksum {
		t.Fatalf("events = %v, want one full_checksum", got)
	}
}

func TestRunLocalizesSingleDrift(t *testing.T) {
	entities := catalog(1000)
	store := newMemoryStore(entities...)

	changed := entities[437]
	changed.ContentHash = "hash-changed"
	changed.Name = "Renamed"
	agentEntities := append([]AgentEntity{}, entities...)
	agentEntities[437] = changed
	agent := newFakeAgent(agentEntities...)
	sink := &memorySink{}

	result, err := testResolver(store, sink).Run(context.Background(), "vendor-1", agent)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.State != RunStateResolved {
		t.Fatalf("state = %s, want resolved", result.State)
	}
	if result.DriftsFound != 1 {
		t.Fatalf("driftsFound = %d, want 1", result.DriftsFound)
	}
	if result.ItemsResolved != 1 {
		t.Fatalf("itemsResolved = %d, want 1", result.ItemsResolved)
	}
	// Bisection must reach one divergent leaf, never diff the full catalog.
	if result.ItemsCompared > 64 {
		t.Fatalf("itemsCompared = %d; bisection should examine far fewer than 1000", result.ItemsCompared)
	}

	store.mu.Lock()
	got := store.items["sku-00437"]
	store.mu.Unlock()
	if got.ContentHash != "hash-changed" || got.Name != "Renamed" {
		t.Fatalf("store not corrected: %+v", got)
	}

	want := []models.ReconciliationEventType{models.EventTypeDriftDetected, models.EventTypeDriftResolved}
	if got := sink.types(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunConvergesAfterResolution(t *testing.T) {
	entities := catalog(200)
	store := newMemoryStore(entities[:150]...) // 50 missing centrally
	agent := newFakeAgent(entities...)
	sink := &memorySink{}
	resolver := testResolver(store, sink)

	result, err := resolver.Run(context.Background(), "vendor-1", agent)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if result.State != RunStateResolved || result.DriftsFound != 50 {
		t.Fatalf("first run: state=%s drifts=%d, want resolved/50", result.State, result.DriftsFound)
	}

	second, err := resolver.Run(context.Background(), "vendor-1", agent)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.State != RunStateNoDrift {
		t.Fatalf("second run state = %s, want no_drift", second.State)
	}
}

func TestRunDeletesMissingInAgent(t *testing.T) {
	entities := catalog(50)
	stale := AgentEntity{Key: "sku-zzzzz", ContentHash: "hash-stale"}
	store := newMemoryStore(append(entities, stale)...)
	agent := newFakeAgent(entities...)
	sink := &memorySink{}

	result, err := testResolver(store, sink).Run(context.Background(), "vendor-1", agent)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.DriftsFound != 1 {
		t.Fatalf("driftsFound = %d, want 1", result.DriftsFound)
	}
	store.mu.Lock()
	_, exists := store.items["sku-zzzzz"]
	store.mu.Unlock()
	if exists {
		t.Fatal("stale central entity survived resolution")
	}
}

func TestRunEmptyCentral(t *testing.T) {
	entities := catalog(10)
	store := newMemoryStore()
	agent := newFakeAgent(entities...)
	sink := &memorySink{}

	result, err := testResolver(store, sink).Run(context.Background(), "vendor-1", agent)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.DriftsFound != 10 || result.ItemsResolved != 10 {
		t.Fatalf("drifts=%d resolved=%d, want 10/10", result.DriftsFound, result.ItemsResolved)
	}
	store.mu.Lock()
	n := len(store.items)
	store.mu.Unlock()
	if n != 10 {
		t.Fatalf("store has %d items after seeding run, want 10", n)
	}
}

func TestRunAutoResolveOff(t *testing.T) {
	entities := catalog(40)
	store := newMemoryStore(entities[:39]...)
	agent := newFakeAgent(entities...)
	sink := &memorySink{}

	resolver := testResolver(store, sink)
	resolver.AutoResolve = false

	result, err := resolver.Run(context.Background(), "vendor-1", agent)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != RunStateDriftFound {
		t.Fatalf("state = %s, want drift_found", result.State)
	}
	if len(result.Corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(result.Corrections))
	}
	if store.applyCall != 0 {
		t.Fatal("store mutated despite auto-resolve off")
	}
	if got := sink.types(); len(got) != 1 || got[0] != models.EventTypeDriftDetected {
		t.Fatalf("events = %v, want one drift_detected", got)
	}
}

func TestRunPartialResolutionFailure(t *testing.T) {
	entities := catalog(20)
	store := newMemoryStore(entities[:19]...)
	store.applyErr = errors.New("deadlock")
	agent := newFakeAgent(entities...)
	sink := &memorySink{}

	_, err := testResolver(store, sink).Run(context.Background(), "vendor-1", agent)
	if !errors.Is(err, utils.ErrPartialResolutionFailure) {
		t.Fatalf("err = %v, want partial resolution failure", err)
	}
	if !utils.IsTransient(err) {
		t.Fatal("partial resolution failure must be retryable")
	}
}

func TestRunLeaseContention(t *testing.T) {
	store := newMemoryStore(catalog(5)...)
	agent := newFakeAgent(catalog(5)...)
	sink := &memorySink{}

	resolver := testResolver(store, sink)
	resolver.Lease = func(ctx context.Context, vendorId string) (func(), error) {
		return nil, utils.Transient(errors.New("lease held"))
	}

	_, err := resolver.Run(context.Background(), "vendor-1", agent)
	if err == nil {
		t.Fatal("contended lease should fail the run")
	}
	if !utils.IsTransient(err) {
		t.Fatal("lease contention must be retryable")
	}
	if agent.checksumCalls != 0 {
		t.Fatal("run proceeded without the lease")
	}
}

func TestRunAbortsOnDeactivation(t *testing.T) {
	entities := catalog(500)
	changed := entities[100]
	changed.ContentHash = "hash-changed"
	agentEntities := append([]AgentEntity{}, entities...)
	agentEntities[100] = changed

	store := newMemoryStore(entities...)
	agent := newFakeAgent(agentEntities...)
	sink := &memorySink{}

	resolver := testResolver(store, sink)
	resolver.Active = func(ctx context.Context, vendorId string) (bool, error) {
		return false, nil
	}

	_, err := resolver.Run(context.Background(), "vendor-1", agent)
	if !errors.Is(err, utils.ErrUnknownAgent) {
		t.Fatalf("err = %v, want unknown agent", err)
	}
	if store.applyCall != 0 {
		t.Fatal("aborted run must not write corrections")
	}
}

func TestRunCancelledContext(t *testing.T) {
	entities := catalog(100)
	changed := entities[10]
	changed.ContentHash = "hash-changed"
	agentEntities := append([]AgentEntity{}, entities...)
	agentEntities[10] = changed

	store := newMemoryStore(entities...)
	agent := newFakeAgent(agentEntities...)
	sink := &memorySink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testResolver(store, sink).Run(ctx, "vendor-1", agent)
	if err == nil {
		t.Fatal("cancelled context should fail the run")
	}
	if store.applyCall != 0 {
		t.Fatal("cancelled run must not write corrections")
	}
}

func TestResolveIdempotent(t *testing.T) {
	store := newMemoryStore()
	sink := &memorySink{}
	resolver := testResolver(store, sink)

	entity := AgentEntity{Key: "sku-1", ContentHash: "h1"}
	corrections := []Correction{{Class: models.DriftMissingInCentral, Key: "sku-1", Entity: &entity}}

	for i := 0; i < 2; i++ {
		if _, err := resolver.Resolve(context.Background(), "vendor-1", corrections); err != nil {
			t.Fatalf("apply %d: %v", i+1, err)
		}
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.items) != 1 {
		t.Fatalf("store has %d items, want 1", len(store.items))
	}
}
