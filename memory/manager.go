package memory

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager is the single logical owner of the in-process memory state:
// the short-term buffer, the context window, summaries and the backend
// retry queue. All mutations are serialized behind one lock; reads
// observe a consistent snapshot and return copies.
type Manager struct {
	mu sync.RWMutex

	cfg      *Config
	store    BasicStore
	vstore   VectorStore // nil when the backend lacks the vector capability
	embedder Embedder
	summ     *summarizer
	gen      Generator
	log      zerolog.Logger
	clock    func() time.Time

	buffer    []*Item // most-recent-first
	window    *window
	summaries []*Summary
	pending   []*Item // backend writes awaiting retry
	evictions []*Item // evicted overflow accumulating toward summarization, most-recent-first

	events       *Bus
	snapshotPath string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithSnapshotPath enables durable buffer snapshots at the given path,
// giving the buffer process-restart continuity.
func WithSnapshotPath(path string) Option {
	return func(m *Manager) { m.snapshotPath = path }
}

// WithClock overrides the time source. Tests use this to age items.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// New creates a Manager. The embedder and generator may be nil; every
// path that needs them degrades gracefully in their absence. A nil cfg
// uses DefaultConfig.
func New(store BasicStore, embedder Embedder, generator Generator, cfg *Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		c := *cfg
		c.normalize()
		cfg = &c
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		gen:      generator,
		log:      NewLogger("memory"),
		clock:    time.Now,
		window:   newWindow(cfg.ContextWindowSize, cfg.AdaptiveMode),
		events:   NewBus(),
	}
	if vs, ok := AsVectorStore(store); ok {
		m.vstore = vs
	}
	for _, opt := range opts {
		opt(m)
	}
	m.summ = &summarizer{gen: generator, log: m.log, clock: m.clock, timeout: cfg.GenerateTimeout}

	m.restore()
	return m
}

// restore reloads the buffer snapshot from disk. Malformed state resets
// to empty with a warning; it never aborts construction.
func (m *Manager) restore() {
	if m.snapshotPath == "" {
		return
	}
	snap, err := loadSnapshot(m.snapshotPath)
	if err != nil {
		m.log.Warn().Err(err).Str("path", m.snapshotPath).Msg("corrupted buffer snapshot, resetting to empty state")
		return
	}
	if snap == nil {
		return
	}
	items := snap.Items
	if len(items) > m.cfg.ShortTermCapacity {
		items = items[:m.cfg.ShortTermCapacity]
	}
	m.buffer = items
	m.summaries = snap.Summaries
	// The window is a derived view: rebuild it by replaying the buffer
	// oldest-first.
	for i := len(items) - 1; i >= 0; i-- {
		m.window.admit(items[i])
	}
	m.window.summary = snap.WindowSummary
	m.log.Info().Int("items", len(items)).Msg("restored buffer snapshot")
}

// Events returns the manager's event bus.
func (m *Manager) Events() *Bus { return m.events }

// Subscribe registers an event handler and returns its unsubscribe handle.
func (m *Manager) Subscribe(handler func(Event)) (unsubscribe func()) {
	return m.events.Subscribe(handler)
}

// StoreMemory records a new interaction item: it requests an embedding
// best-effort, prepends the item to the short-term buffer, accumulates
// evicted overflow toward a summarization batch, persists the buffer
// snapshot, forwards the item to the backend and updates the context
// window. Provider failures only degrade the call, they never fail it.
// Returns the new item's id.
func (m *Manager) StoreMemory(ctx context.Context, content string, kind Kind, meta Metadata, importance float64) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	if !kind.Valid() {
		return "", ErrInvalidKind
	}
	importance = clamp01(importance)

	embedding := m.embed(ctx, content)

	now := m.clock()
	it := &Item{
		ID:         uuid.NewString(),
		Content:    content,
		Kind:       kind,
		CreatedAt:  now,
		Metadata:   meta.Clone(),
		Embedding:  embedding,
		Importance: importance,
		DecayedAt:  now,
	}

	batch, events := m.insert(it)

	// Evicted overflow accumulates across stores; insert hands the batch
	// back once it reaches the summarization threshold.
	if batch != nil {
		for _, summary := range m.summ.summarize(ctx, batch) {
			m.insertSummary(ctx, summary)
			events = append(events, Event{
				Type:   EventSummarized,
				Time:   m.clock(),
				ItemID: summary.ID,
				Data:   map[string]string{"item_count": strconv.Itoa(summary.ItemCount)},
			})
		}
	}

	m.persistSnapshot()
	m.flush(ctx, it)

	for _, e := range events {
		m.events.publish(e)
	}
	return it.ID, nil
}

// insert adds an item to the buffer and window under the lock and folds
// any evicted overflow into the accumulating eviction batch. It returns
// the events to publish and, once the batch reaches the summarization
// threshold, the batch itself (cleared from the manager).
func (m *Manager) insert(it *Item) ([]*Item, []Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffer = append([]*Item{it}, m.buffer...)

	var evicted []*Item
	if len(m.buffer) > m.cfg.ShortTermCapacity {
		evicted = m.buffer[m.cfg.ShortTermCapacity:]
		m.buffer = m.buffer[:m.cfg.ShortTermCapacity]
	}

	events := []Event{{Type: EventItemStored, Time: it.CreatedAt, ItemID: it.ID}}
	for _, ev := range evicted {
		events = append(events, Event{Type: EventItemEvicted, Time: m.clock(), ItemID: ev.ID})
	}

	if evicted != nil {
		ids := make(map[string]bool, len(evicted))
		for _, ev := range evicted {
			ids[ev.ID] = true
		}
		m.window.removeIDs(ids)
		// Newly evicted items are more recent than everything already
		// accumulated, so they go to the front.
		m.evictions = append(append([]*Item(nil), evicted...), m.evictions...)
	}

	var batch []*Item
	if len(m.evictions) >= m.cfg.SummarizationThreshold {
		batch = m.evictions
		m.evictions = nil
	}

	dropped := m.window.admit(it)
	if len(dropped) >= 5 {
		events = append(events, Event{
			Type: EventWindowTrimmed,
			Time: m.clock(),
			Data: map[string]string{"dropped": strconv.Itoa(len(dropped))},
		})
		preTrim := append(append([]*Item(nil), dropped...), m.window.items...)
		m.synopsize(preTrim)
	}
	return batch, events
}

// synopsize installs a deterministic synopsis of a pre-trim window and
// asynchronously upgrades it to an abstractive one when the generative
// adapter is reachable. Callers hold the lock.
func (m *Manager) synopsize(preTrim []*Item) {
	m.window.summary = fallbackSynopsis(preTrim)

	copies := make([]*Item, len(preTrim))
	for i, it := range preTrim {
		copies[i] = it.Clone()
	}
	go func() {
		if m.gen == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GenerateTimeout)
		defer cancel()
		if !m.gen.Available(ctx) {
			return
		}
		var contents []string
		for _, it := range copies {
			contents = append(contents, it.Content)
		}
		prompt := "Condense the following conversation context into two sentences:\n\n" + strings.Join(contents, "\n")
		text, err := m.gen.Generate(ctx, prompt, GenerateOptions{Temperature: 0.3, MaxTokens: 150})
		if err != nil || strings.TrimSpace(text) == "" {
			if err != nil {
				m.log.Debug().Err(err).Msg("window synopsis generation failed, keeping synthetic fallback")
			}
			return
		}
		m.mu.Lock()
		m.window.summary = strings.TrimSpace(text)
		m.mu.Unlock()
	}()
}

// insertSummary records a Summary and stores it back as a summary-kind
// item with elevated importance.
func (m *Manager) insertSummary(ctx context.Context, summary *Summary) {
	meta := Metadata{
		"summarized_ids": String(strings.Join(summary.SummarizedIDs, ",")),
		"item_count":     Number(float64(summary.ItemCount)),
	}
	it := &Item{
		ID:         summary.ID,
		Content:    summary.Content,
		Kind:       KindSummary,
		CreatedAt:  summary.CreatedAt,
		Metadata:   meta,
		Embedding:  m.embed(ctx, summary.Content),
		Importance: 0.8,
		DecayedAt:  summary.CreatedAt,
	}

	m.mu.Lock()
	m.summaries = append(m.summaries, summary)
	m.buffer = append([]*Item{it}, m.buffer...)
	if len(m.buffer) > m.cfg.ShortTermCapacity {
		m.buffer = m.buffer[:m.cfg.ShortTermCapacity]
	}
	m.window.admit(it)
	m.mu.Unlock()

	m.flush(ctx, it)
}

// embed requests an embedding within the configured bound. On failure or
// timeout the item proceeds without one.
func (m *Manager) embed(ctx context.Context, text string) []float32 {
	if m.embedder == nil {
		return nil
	}
	ectx, cancel := context.WithTimeout(ctx, m.cfg.EmbedTimeout)
	defer cancel()
	vec, err := m.embedder.Embed(ectx, text)
	if err != nil {
		m.log.Warn().Err(err).Msg("embedding failed, storing item without vector")
		return nil
	}
	return Resize(vec, m.cfg.VectorDimensions)
}

// flush forwards an item to the backend and opportunistically retries
// earlier failed writes. Backend unreachability never fails the caller.
func (m *Manager) flush(ctx context.Context, it *Item) {
	m.mu.Lock()
	queue := append(m.pending, it)
	m.pending = nil
	m.mu.Unlock()

	var failed []*Item
	for _, queued := range queue {
		if err := m.store.Store(ctx, queued.Clone()); err != nil {
			m.log.Warn().Err(err).Str("id", queued.ID).Msg("backend write failed, queued for retry")
			failed = append(failed, queued)
		}
	}
	if failed != nil {
		m.mu.Lock()
		m.pending = append(m.pending, failed...)
		m.mu.Unlock()
	}
}

// Flush retries any queued backend writes.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	queue := m.pending
	m.pending = nil
	m.mu.Unlock()

	var failed []*Item
	for _, queued := range queue {
		if err := m.store.Store(ctx, queued.Clone()); err != nil {
			failed = append(failed, queued)
		}
	}
	if failed != nil {
		m.mu.Lock()
		m.pending = append(m.pending, failed...)
		m.mu.Unlock()
	}
}

// persistSnapshot writes the durable buffer state. Best-effort.
func (m *Manager) persistSnapshot() {
	if m.snapshotPath == "" {
		return
	}
	m.mu.RLock()
	snap := &snapshot{
		SavedAt:       m.clock(),
		Items:         make([]*Item, len(m.buffer)),
		Summaries:     append([]*Summary(nil), m.summaries...),
		WindowSummary: m.window.summary,
	}
	for i, it := range m.buffer {
		snap.Items[i] = it.Clone()
	}
	m.mu.RUnlock()

	if err := saveSnapshot(m.snapshotPath, snap); err != nil {
		m.log.Warn().Err(err).Msg("buffer snapshot write failed")
	}
}

// SearchMemories answers a relevance query over recent and historical
// content. The vector path runs first when the backend is vector-capable
// and the query is non-trivial; textual scoring over the buffer and
// backend fills any remaining slots. Results are de-duplicated, sorted
// by descending score and truncated to limit.
func (m *Manager) SearchMemories(ctx context.Context, query string, limit int) ([]ScoredItem, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrInvalidQuery
	}
	if limit <= 0 {
		limit = 10
	}

	var results []ScoredItem
	if m.vstore != nil && len(query) > 3 {
		results = m.vectorSearch(ctx, query, limit)
	}

	if len(results) == 0 {
		results = m.bufferSearch(query, limit)
	}
	if len(results) < limit {
		results = append(results, m.backendSearch(ctx, query, limit)...)
	}

	seen := make(map[string]bool, len(results))
	merged := results[:0]
	for _, r := range results {
		if seen[r.Item.ID] {
			continue
		}
		seen[r.Item.ID] = true
		merged = append(merged, r)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// vectorSearch embeds the query and scans the backend vector index.
// Any failure degrades to the textual path.
func (m *Manager) vectorSearch(ctx context.Context, query string, limit int) []ScoredItem {
	emb := m.embed(ctx, query)
	if emb == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SearchTimeout)
	defer cancel()
	results, err := m.vstore.SearchSimilar(sctx, emb, limit)
	if err != nil {
		m.log.Warn().Err(err).Msg("vector search failed, falling back to textual search")
		return nil
	}
	return results
}

// bufferSearch scores the short-term buffer textually. Matches are
// cloned while the read lock is held so callers never see live buffer
// pointers; the backend paths already return fresh copies.
func (m *Manager) bufferSearch(query string, limit int) []ScoredItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock()
	var results []ScoredItem
	for _, it := range m.buffer {
		if TermOverlap(query, it.Content) == 0 {
			continue
		}
		results = append(results, ScoredItem{Item: it.Clone(), Score: TextScore(query, it, m.cfg.Weights, now)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// backendSearch supplements results from the item store's textual search.
func (m *Manager) backendSearch(ctx context.Context, query string, limit int) []ScoredItem {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SearchTimeout)
	defer cancel()
	items, err := m.store.Search(sctx, query, limit)
	if err != nil {
		m.log.Warn().Err(err).Msg("backend search failed")
		return nil
	}
	now := m.clock()
	results := make([]ScoredItem, 0, len(items))
	for _, it := range items {
		results = append(results, ScoredItem{Item: it, Score: TextScore(query, it, m.cfg.Weights, now)})
	}
	return results
}

// Retrieve returns an item by id, preferring the short-term buffer and
// falling back to the backend.
func (m *Manager) Retrieve(ctx context.Context, id string) (*Item, error) {
	m.mu.RLock()
	for _, it := range m.buffer {
		if it.ID == id {
			cp := it.Clone()
			m.mu.RUnlock()
			return cp, nil
		}
	}
	m.mu.RUnlock()
	return m.store.Retrieve(ctx, id)
}

// UpdateImportance sets an item's importance in the buffer and window
// and forwards the change to the backend best-effort. Returns false when
// the id is not held in memory.
func (m *Manager) UpdateImportance(ctx context.Context, id string, importance float64) bool {
	importance = clamp01(importance)

	m.mu.Lock()
	found := false
	for _, it := range m.buffer {
		if it.ID == id {
			it.Importance = importance
			it.DecayedAt = m.clock()
			found = true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return false
	}

	m.persistSnapshot()
	if _, err := m.store.Update(ctx, id, ItemUpdate{Importance: &importance}); err != nil {
		m.log.Warn().Err(err).Str("id", id).Msg("backend importance update failed")
	}
	return true
}

// ApplyDecay ages every buffered and windowed item with multiplicative
// importance decay floored at 0.1, then auto-prunes items that fell
// below the prune threshold from the in-memory structures only; backend
// copies are untouched. Calling it twice with no elapsed time has no
// further effect.
func (m *Manager) ApplyDecay(ctx context.Context) {
	now := m.clock()

	m.mu.Lock()
	decayItems(m.buffer, m.cfg.DecayFactor, now)
	// Window items the buffer has already evicted still decay.
	bufferIDs := make(map[string]bool, len(m.buffer))
	for _, it := range m.buffer {
		bufferIDs[it.ID] = true
	}
	var windowOnly []*Item
	for _, it := range m.window.items {
		if !bufferIDs[it.ID] {
			windowOnly = append(windowOnly, it)
		}
	}
	decayItems(windowOnly, m.cfg.DecayFactor, now)

	pruned := make(map[string]bool)
	kept := m.buffer[:0]
	for _, it := range m.buffer {
		if it.Importance < m.cfg.AutoPruneThreshold {
			pruned[it.ID] = true
			continue
		}
		kept = append(kept, it)
	}
	m.buffer = kept
	m.window.removeIDs(pruned)
	m.mu.Unlock()

	for id := range pruned {
		m.events.publish(Event{Type: EventItemPruned, Time: now, ItemID: id})
	}
	if len(pruned) > 0 {
		m.log.Info().Int("pruned", len(pruned)).Msg("auto-pruned low importance items")
		m.persistSnapshot()
	}
}

// decayItems applies importance decay in place based on time elapsed
// since each item last decayed.
func decayItems(items []*Item, factor float64, now time.Time) {
	for _, it := range items {
		days := now.Sub(it.DecayedAt).Hours() / 24
		if days <= 0 {
			continue
		}
		if it.Importance > 0.1 {
			decayed := it.Importance * math.Pow(factor, days)
			if decayed < 0.1 {
				decayed = 0.1
			}
			it.Importance = decayed
		}
		it.DecayedAt = now
	}
}

// FormattedContext renders the context window for prompt injection.
// Deterministic and idempotent between writes.
func (m *Manager) FormattedContext() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.window.formatted()
}

// ContextSnapshot returns a copy of the current context window.
func (m *Manager) ContextSnapshot() ContextWindow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]*Item, len(m.window.items))
	for i, it := range m.window.items {
		items[i] = it.Clone()
	}
	return ContextWindow{
		Size:     m.window.size,
		Adaptive: m.window.adaptive,
		Items:    items,
		Summary:  m.window.summary,
		TakenAt:  m.clock(),
	}
}

// Summaries returns copies of the accumulated summaries.
func (m *Manager) Summaries() []*Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Summary, len(m.summaries))
	for i, s := range m.summaries {
		cp := *s
		cp.SummarizedIDs = append([]string(nil), s.SummarizedIDs...)
		out[i] = &cp
	}
	return out
}

// Clear empties the in-memory structures. Backend contents persist until
// the backend itself is cleared.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	m.buffer = nil
	m.summaries = nil
	m.pending = nil
	m.evictions = nil
	m.window = newWindow(m.cfg.ContextWindowSize, m.cfg.AdaptiveMode)
	m.mu.Unlock()

	m.persistSnapshot()
}

// ManagerStats describes the manager's current state.
type ManagerStats struct {
	ShortTerm     int  `json:"short_term"`
	WindowItems   int  `json:"window_items"`
	WindowSize    int  `json:"window_size"`
	Summaries     int  `json:"summaries"`
	PendingWrites int  `json:"pending_writes"`
	LongTerm      int  `json:"long_term"`
	LongTermKnown bool `json:"long_term_known"`
}

// Stats reports buffer, window and backend counts. The long-term count
// is only available from vector-capable backends.
func (m *Manager) Stats(ctx context.Context) ManagerStats {
	m.mu.RLock()
	stats := ManagerStats{
		ShortTerm:     len(m.buffer),
		WindowItems:   len(m.window.items),
		WindowSize:    m.window.size,
		Summaries:     len(m.summaries),
		PendingWrites: len(m.pending),
	}
	m.mu.RUnlock()

	if m.vstore != nil {
		if bs, err := m.vstore.BackendStats(ctx); err == nil {
			stats.LongTerm = bs.Items
			stats.LongTermKnown = true
		}
	}
	return stats
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
