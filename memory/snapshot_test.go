package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "buffer.json")
	now := time.Now().UTC().Truncate(time.Second)

	in := &snapshot{
		SavedAt: now,
		Items: []*Item{
			{ID: "a", Content: "first", Kind: KindConversational, CreatedAt: now, Importance: 0.5, DecayedAt: now},
			{ID: "b", Content: "second", Kind: KindAction, CreatedAt: now, Importance: 0.9, DecayedAt: now,
				Metadata: Metadata{"session": String("s1")}},
		},
		Summaries: []*Summary{
			{ID: "s", SummarizedIDs: []string{"x", "y", "z"}, Content: "summary", CreatedAt: now, ItemCount: 3},
		},
		WindowSummary: "earlier context",
	}
	require.NoError(t, saveSnapshot(path, in))

	out, err := loadSnapshot(path)
	require.NoError(t, err)
	require.Len(t, out.Items, 2)
	assert.Equal(t, "first", out.Items[0].Content)
	session, ok := out.Items[1].Metadata["session"].AsString()
	require.True(t, ok)
	assert.Equal(t, "s1", session)
	require.Len(t, out.Summaries, 1)
	assert.Equal(t, 3, out.Summaries[0].ItemCount)
	assert.Equal(t, "earlier context", out.WindowSummary)

	// No leftover temp file from the atomic write.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	snap, err := loadSnapshot(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoadSnapshotMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	_, err := loadSnapshot(path)
	assert.Error(t, err)
}

func TestLoadSnapshotRejectsInvalidItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad-kind.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"items":[{"id":"a","content":"x","kind":"martian"}]}`), 0o644))

	_, err := loadSnapshot(path)
	assert.Error(t, err)
}
