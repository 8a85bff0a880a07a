package memory_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmind/mnemo/memory"
	"github.com/quillmind/mnemo/memory/embedder/mock"
	"github.com/quillmind/mnemo/memory/store/memstore"
)

// flakyStore wraps a BasicStore and fails writes while failing is set.
type flakyStore struct {
	memory.BasicStore

	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *flakyStore) Store(ctx context.Context, item *memory.Item) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("backend unreachable")
	}
	return s.BasicStore.Store(ctx, item)
}

// stubGenerator returns canned text and tracks calls.
type stubGenerator struct {
	mu        sync.Mutex
	text      string
	err       error
	available bool
	calls     int
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string, opts memory.GenerateOptions) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.text, g.err
}

func (g *stubGenerator) Available(ctx context.Context) bool { return g.available }

func newManager(t *testing.T, cfg *memory.Config, opts ...memory.Option) (*memory.Manager, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	mgr := memory.New(store, mock.New(), nil, cfg, opts...)
	return mgr, store
}

func TestStoreMemoryValidation(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	_, err := mgr.StoreMemory(ctx, "   ", memory.KindConversational, nil, 0.5)
	assert.ErrorIs(t, err, memory.ErrEmptyContent)

	_, err = mgr.StoreMemory(ctx, "hello", memory.Kind("bogus"), nil, 0.5)
	assert.ErrorIs(t, err, memory.ErrInvalidKind)
}

func TestStoreMemoryClampsImportance(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	id, err := mgr.StoreMemory(ctx, "over the top", memory.KindConversational, nil, 7.5)
	require.NoError(t, err)

	it, err := mgr.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, it.Importance)
}

func TestShortTermCapacityInvariant(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, &memory.Config{ShortTermCapacity: 5})

	for i := 0; i < 12; i++ {
		_, err := mgr.StoreMemory(ctx, fmt.Sprintf("message %d", i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
	}

	stats := mgr.Stats(ctx)
	assert.LessOrEqual(t, stats.ShortTerm, 5)
}

func TestEvictedItemRemainsRetrievable(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, &memory.Config{ShortTermCapacity: 3})

	first, err := mgr.StoreMemory(ctx, "the very first message", memory.KindConversational, nil, 0.5)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := mgr.StoreMemory(ctx, fmt.Sprintf("follow-up %d", i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
	}

	it, err := mgr.Retrieve(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "the very first message", it.Content)
}

func TestRetrieveUnknownID(t *testing.T) {
	mgr, _ := newManager(t, nil)
	_, err := mgr.Retrieve(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestEvictionsBelowThresholdProduceNoSummary(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, &memory.Config{
		ShortTermCapacity:      5,
		SummarizationThreshold: 6,
	})

	// Ten stores into capacity 5 accumulate five evictions, one short of
	// the threshold.
	for i := 0; i < 10; i++ {
		_, err := mgr.StoreMemory(ctx, fmt.Sprintf("turn %d", i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
	}

	assert.Empty(t, mgr.Summaries())
}

func TestAccumulatedEvictionsProduceSummary(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{available: true, text: "Three turns covered the rollout plan."}
	store := memstore.New()
	mgr := memory.New(store, mock.New(), gen, &memory.Config{
		ShortTermCapacity:      5,
		SummarizationThreshold: 3,
	})

	var mu sync.Mutex
	var summarized []memory.Event
	mgr.Subscribe(func(e memory.Event) {
		if e.Type == memory.EventSummarized {
			mu.Lock()
			summarized = append(summarized, e)
			mu.Unlock()
		}
	})

	// Eight stores into capacity 5 evict the first three items, crossing
	// the threshold on the last store.
	ids := make([]string, 8)
	for i := range ids {
		id, err := mgr.StoreMemory(ctx, fmt.Sprintf("rollout turn %d", i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
		ids[i] = id
	}

	summaries := mgr.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].ItemCount)
	assert.ElementsMatch(t, ids[:3], summaries[0].SummarizedIDs)
	assert.Equal(t, gen.text, summaries[0].Content)

	// The summary lands in the buffer and backend as a summary-kind item
	// with elevated importance and source-id metadata.
	it, err := mgr.Retrieve(ctx, summaries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, memory.KindSummary, it.Kind)
	assert.Equal(t, 0.8, it.Importance)
	srcIDs, ok := it.Metadata["summarized_ids"].AsString()
	require.True(t, ok)
	for _, id := range ids[:3] {
		assert.Contains(t, srcIDs, id)
	}
	_, err = store.Retrieve(ctx, summaries[0].ID)
	assert.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, summarized, 1)
	assert.Equal(t, summaries[0].ID, summarized[0].ItemID)
}

func TestSearchMemoriesValidation(t *testing.T) {
	mgr, _ := newManager(t, nil)
	_, err := mgr.SearchMemories(context.Background(), "  ", 5)
	assert.ErrorIs(t, err, memory.ErrInvalidQuery)
}

func TestSearchMemoriesRanking(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	_, err := mgr.StoreMemory(ctx, "we deploy the payments service on Fridays", memory.KindConversational, nil, 0.5)
	require.NoError(t, err)
	_, err = mgr.StoreMemory(ctx, "deploy checklist draft", memory.KindConversational, nil, 0.5)
	require.NoError(t, err)
	_, err = mgr.StoreMemory(ctx, "lunch plans for tomorrow", memory.KindConversational, nil, 0.5)
	require.NoError(t, err)

	results, err := mgr.SearchMemories(ctx, "deploy service", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Distinct ids, descending scores, best match first.
	assert.NotEqual(t, results[0].Item.ID, results[1].Item.ID)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	assert.Contains(t, results[0].Item.Content, "payments service")
}

func TestSearchMemoriesRespectsLimit(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	for i := 0; i < 8; i++ {
		_, err := mgr.StoreMemory(ctx, fmt.Sprintf("deploy note %d", i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
	}

	results, err := mgr.SearchMemories(ctx, "deploy", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	seen := make(map[string]bool)
	for _, r := range results {
		assert.False(t, seen[r.Item.ID], "duplicate id in results")
		seen[r.Item.ID] = true
	}
}

func TestSearchResultsAreIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	id, err := mgr.StoreMemory(ctx, "deploy window opens Friday", memory.KindConversational, nil, 0.9)
	require.NoError(t, err)

	results, err := mgr.SearchMemories(ctx, "deploy window", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Mutating a result must not reach the buffered item.
	results[0].Item.Importance = 0.01
	results[0].Item.Content = "scribbled over"

	it, err := mgr.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.9, it.Importance)
	assert.Equal(t, "deploy window opens Friday", it.Content)
}

func TestConcurrentSearchAndUpdate(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	ids := make([]string, 10)
	for i := range ids {
		id, err := mgr.StoreMemory(ctx, fmt.Sprintf("deploy note %d", i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			mgr.UpdateImportance(ctx, ids[i%len(ids)], float64(i%10)/10)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			results, err := mgr.SearchMemories(ctx, "deploy note", 5)
			assert.NoError(t, err)
			assert.NotEmpty(t, results)
		}
	}()
	wg.Wait()
}

func TestSearchMemoriesNoMatches(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	_, err := mgr.StoreMemory(ctx, "completely unrelated", memory.KindConversational, nil, 0.5)
	require.NoError(t, err)

	results, err := mgr.SearchMemories(ctx, "xyzzy", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDecayIsMonotonicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	current := time.Now()
	mgr, _ := newManager(t, nil, memory.WithClock(func() time.Time { return current }))

	id, err := mgr.StoreMemory(ctx, "important fact", memory.KindConversational, nil, 0.9)
	require.NoError(t, err)

	current = current.Add(10 * 24 * time.Hour)
	mgr.ApplyDecay(ctx)

	it, err := mgr.Retrieve(ctx, id)
	require.NoError(t, err)
	decayed := it.Importance
	assert.Less(t, decayed, 0.9)
	assert.InDelta(t, 0.9*math.Pow(0.95, 10), decayed, 1e-9)

	// No time elapsed: a second pass changes nothing.
	mgr.ApplyDecay(ctx)
	it, err = mgr.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, decayed, it.Importance)
}

func TestDecayFloor(t *testing.T) {
	ctx := context.Background()
	current := time.Now()
	mgr, _ := newManager(t, &memory.Config{AutoPruneThreshold: 0.05},
		memory.WithClock(func() time.Time { return current }))

	id, err := mgr.StoreMemory(ctx, "slowly fading", memory.KindConversational, nil, 0.9)
	require.NoError(t, err)

	current = current.Add(365 * 24 * time.Hour)
	mgr.ApplyDecay(ctx)

	it, err := mgr.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, it.Importance, 1e-9)
}

func TestAutoPruneIsInMemoryOnly(t *testing.T) {
	ctx := context.Background()
	current := time.Now()
	mgr, store := newManager(t, nil, memory.WithClock(func() time.Time { return current }))

	fading, err := mgr.StoreMemory(ctx, "barely matters", memory.KindConversational, nil, 0.12)
	require.NoError(t, err)
	keeper, err := mgr.StoreMemory(ctx, "load bearing", memory.KindConversational, nil, 0.9)
	require.NoError(t, err)

	var pruned []string
	unsubscribe := mgr.Subscribe(func(ev memory.Event) {
		if ev.Type == memory.EventItemPruned {
			pruned = append(pruned, ev.ItemID)
		}
	})
	defer unsubscribe()

	current = current.Add(5 * 24 * time.Hour)
	mgr.ApplyDecay(ctx)

	require.Equal(t, []string{fading}, pruned)

	stats := mgr.Stats(ctx)
	assert.Equal(t, 1, stats.ShortTerm)

	// Pruning only touches in-memory state: the backend copy survives.
	it, err := store.Retrieve(ctx, fading)
	require.NoError(t, err)
	assert.Equal(t, "barely matters", it.Content)

	kept, err := mgr.Retrieve(ctx, keeper)
	require.NoError(t, err)
	assert.Greater(t, kept.Importance, 0.2)
}

func TestUpdateImportance(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, nil)

	id, err := mgr.StoreMemory(ctx, "tune me", memory.KindConversational, nil, 0.4)
	require.NoError(t, err)

	assert.True(t, mgr.UpdateImportance(ctx, id, 0.95))
	assert.False(t, mgr.UpdateImportance(ctx, "missing", 0.5))

	it, err := mgr.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.95, it.Importance)

	backend, err := store.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.95, backend.Importance)
}

func TestFormattedContextIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	_, err := mgr.StoreMemory(ctx, "hello there", memory.KindConversational, nil, 0.5)
	require.NoError(t, err)
	_, err = mgr.StoreMemory(ctx, "run the migration", memory.KindAction, nil, 0.7)
	require.NoError(t, err)

	first := mgr.FormattedContext()
	second := mgr.FormattedContext()
	assert.Equal(t, first, second)
	assert.Contains(t, first, "[action]: run the migration")
	assert.Contains(t, first, "[conversational]: hello there")
}

func TestWindowAdmissionRules(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	_, err := mgr.StoreMemory(ctx, "low importance system note", memory.KindSystem, nil, 0.3)
	require.NoError(t, err)
	_, err = mgr.StoreMemory(ctx, "high importance system note", memory.KindSystem, nil, 0.8)
	require.NoError(t, err)
	_, err = mgr.StoreMemory(ctx, "ordinary chat", memory.KindConversational, nil, 0.3)
	require.NoError(t, err)

	snap := mgr.ContextSnapshot()
	contents := make([]string, 0, len(snap.Items))
	for _, it := range snap.Items {
		contents = append(contents, it.Content)
	}
	assert.NotContains(t, contents, "low importance system note")
	assert.Contains(t, contents, "high importance system note")
	assert.Contains(t, contents, "ordinary chat")
}

func TestAdaptiveWindowGrowsUnderComplexLoad(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, &memory.Config{
		ContextWindowSize: 10,
		AdaptiveMode:      true,
	})

	long := strings.Repeat("explain the consensus algorithm tradeoffs in detail ", 5)
	require.Greater(t, len(long), 200)

	for i := 0; i < 5; i++ {
		_, err := mgr.StoreMemory(ctx, fmt.Sprintf("%s round %d", long, i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
	}

	snap := mgr.ContextSnapshot()
	assert.Equal(t, 15, snap.Size)

	// Simple turns bring the window back down.
	for i := 0; i < 6; i++ {
		_, err := mgr.StoreMemory(ctx, fmt.Sprintf("ok %d", i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
	}
	snap = mgr.ContextSnapshot()
	assert.Equal(t, 10, snap.Size)
}

// fillAndShrinkWindow grows an adaptive window to 15 complex items and
// then feeds simple turns until the recomputed size snaps back to 10,
// dropping enough items at once to trigger a synopsis.
func fillAndShrinkWindow(t *testing.T, mgr *memory.Manager) {
	t.Helper()
	ctx := context.Background()

	long := strings.Repeat("analyze the scheduler design and explain the tradeoffs ", 5)
	for i := 0; i < 15; i++ {
		_, err := mgr.StoreMemory(ctx, fmt.Sprintf("%s part %d", long, i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
	}
	require.Equal(t, 15, mgr.ContextSnapshot().Size)

	for i := 0; i < 6; i++ {
		_, err := mgr.StoreMemory(ctx, fmt.Sprintf("ok %d", i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
	}
	require.Equal(t, 10, mgr.ContextSnapshot().Size)
}

func TestWindowTrimInstallsFallbackSynopsis(t *testing.T) {
	store := memstore.New()
	mgr := memory.New(store, nil, &stubGenerator{available: false}, &memory.Config{
		ContextWindowSize: 10,
		AdaptiveMode:      true,
	})

	var trimmed int
	unsubscribe := mgr.Subscribe(func(ev memory.Event) {
		if ev.Type == memory.EventWindowTrimmed {
			trimmed++
		}
	})
	defer unsubscribe()

	fillAndShrinkWindow(t, mgr)

	assert.Positive(t, trimmed)
	snap := mgr.ContextSnapshot()
	assert.Contains(t, snap.Summary, "Key points:")
	assert.Contains(t, mgr.FormattedContext(), "SUMMARY: ")
}

func TestWindowTrimUpgradesToAbstractiveSynopsis(t *testing.T) {
	gen := &stubGenerator{available: true, text: "The user walked through scheduler design questions."}
	mgr := memory.New(memstore.New(), nil, gen, &memory.Config{
		ContextWindowSize: 10,
		AdaptiveMode:      true,
	})

	fillAndShrinkWindow(t, mgr)

	assert.Eventually(t, func() bool {
		return mgr.ContextSnapshot().Summary == gen.text
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClearIsInMemoryOnly(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, nil)

	id, err := mgr.StoreMemory(ctx, "sticky", memory.KindConversational, nil, 0.5)
	require.NoError(t, err)

	mgr.Clear(ctx)

	stats := mgr.Stats(ctx)
	assert.Zero(t, stats.ShortTerm)
	assert.Zero(t, stats.WindowItems)
	assert.Empty(t, mgr.FormattedContext())

	it, err := store.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sticky", it.Content)
}

func TestEventsPublishedOnStore(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	var events []memory.EventType
	unsubscribe := mgr.Subscribe(func(ev memory.Event) {
		events = append(events, ev.Type)
	})

	_, err := mgr.StoreMemory(ctx, "observed", memory.KindConversational, nil, 0.5)
	require.NoError(t, err)
	require.Equal(t, []memory.EventType{memory.EventItemStored}, events)

	unsubscribe()
	_, err = mgr.StoreMemory(ctx, "unobserved", memory.KindConversational, nil, 0.5)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEvictionEvents(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, &memory.Config{ShortTermCapacity: 2})

	var evicted int
	unsubscribe := mgr.Subscribe(func(ev memory.Event) {
		if ev.Type == memory.EventItemEvicted {
			evicted++
		}
	})
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		_, err := mgr.StoreMemory(ctx, fmt.Sprintf("turn %d", i), memory.KindConversational, nil, 0.5)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, evicted)
}

func TestBackendOutageQueuesWrites(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{BasicStore: memstore.New()}
	mgr := memory.New(flaky, nil, nil, nil)

	flaky.setFailing(true)
	id, err := mgr.StoreMemory(ctx, "written during outage", memory.KindConversational, nil, 0.5)
	require.NoError(t, err, "backend outage must not fail the store call")

	stats := mgr.Stats(ctx)
	assert.Equal(t, 1, stats.PendingWrites)

	// Buffer still serves reads during the outage.
	it, err := mgr.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "written during outage", it.Content)

	flaky.setFailing(false)
	mgr.Flush(ctx)

	stats = mgr.Stats(ctx)
	assert.Zero(t, stats.PendingWrites)

	backend, err := flaky.BasicStore.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "written during outage", backend.Content)
}

func TestSnapshotRestoresBuffer(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "buffer.json")

	store := memstore.New()
	mgr := memory.New(store, nil, nil, nil, memory.WithSnapshotPath(path))

	id, err := mgr.StoreMemory(ctx, "survives restarts", memory.KindConversational, nil, 0.8)
	require.NoError(t, err)
	_, err = mgr.StoreMemory(ctx, "also survives", memory.KindAction, nil, 0.6)
	require.NoError(t, err)

	restarted := memory.New(memstore.New(), nil, nil, nil, memory.WithSnapshotPath(path))
	stats := restarted.Stats(ctx)
	assert.Equal(t, 2, stats.ShortTerm)

	it, err := restarted.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "survives restarts", it.Content)
	assert.Contains(t, restarted.FormattedContext(), "also survives")
}

func TestCorruptSnapshotResetsToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	mgr := memory.New(memstore.New(), nil, nil, nil, memory.WithSnapshotPath(path))
	stats := mgr.Stats(context.Background())
	assert.Zero(t, stats.ShortTerm)
}

func TestStatsWithoutVectorBackend(t *testing.T) {
	mgr, _ := newManager(t, nil)
	stats := mgr.Stats(context.Background())
	assert.False(t, stats.LongTermKnown)
}

func TestStoreMemoryWithMetadata(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t, nil)

	meta := memory.Metadata{
		"session": memory.String("abc"),
		"turn":    memory.Number(3),
	}
	id, err := mgr.StoreMemory(ctx, "with metadata", memory.KindConversational, meta, 0.5)
	require.NoError(t, err)

	it, err := mgr.Retrieve(ctx, id)
	require.NoError(t, err)
	session, ok := it.Metadata["session"].AsString()
	require.True(t, ok)
	assert.Equal(t, "abc", session)
	turn, ok := it.Metadata["turn"].AsNumber()
	require.True(t, ok)
	assert.Equal(t, 3.0, turn)
}
