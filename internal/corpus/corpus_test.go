package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kotoba/internal/embedding"
	"github.com/hyperjump/kotoba/internal/models"
	"github.com/hyperjump/kotoba/internal/storage"
)

// axisEmbedder maps known texts to fixed vectors so distances are predictable.
type axisEmbedder struct {
	provider string
	vectors  map[string][]float32
	dims     int
	err      error
	calls    int
}

func (e *axisEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, e.dims), nil
}

func (e *axisEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *axisEmbedder) Dimensions() int  { return e.dims }
func (e *axisEmbedder) Provider() string { return e.provider }
func (e *axisEmbedder) Close() error     { return nil }

func newAxisEmbedder() *axisEmbedder {
	return &axisEmbedder{
		provider: "axis/3",
		dims:     3,
		vectors: map[string][]float32{
			"east":      {1, 0, 0},
			"northeast": {1, 1, 0},
			"north":     {0, 1, 0},
			"up":        {0, 0, 1},
			"east2":     {2, 0, 0},
			"q:east":    {1, 0, 0},
			"q:north":   {0, 1, 0},
		},
	}
}

func axisRecords(texts ...string) []models.Record {
	recs := make([]models.Record, len(texts))
	for i, t := range texts {
		recs[i] = models.Record{ID: fmt.Sprintf("r%d", i), Text: t, Source: t + ".md"}
	}
	return recs
}

func texts(docs []models.ScoredDocument) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Document.Text
	}
	return out
}

func TestBuildAndQuery(t *testing.T) {
	ctx := context.Background()
	emb := newAxisEmbedder()
	idx, err := Build(ctx, emb, axisRecords("north", "east", "up", "northeast"))
	require.NoError(t, err)
	assert.Equal(t, 4, idx.Size())
	assert.Equal(t, "axis/3", idx.Provider())
	assert.Equal(t, 3, idx.Dimensions())
	assert.False(t, idx.BuiltAt().IsZero())

	res, err := idx.Query(ctx, emb, "q:east", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"east", "northeast", "north"}, texts(res))
	for i := 1; i < len(res); i++ {
		assert.LessOrEqual(t, res[i-1].Distance, res[i].Distance)
	}
	assert.InDelta(t, 0, res[0].Distance, 1e-6)
}

func TestBuild_StoresNormalisedVectors(t *testing.T) {
	idx, err := Build(context.Background(), newAxisEmbedder(), axisRecords("east2", "northeast"))
	require.NoError(t, err)
	docs := idx.Documents()
	require.Len(t, docs, 2)
	assert.InDeltaSlice(t, []float32{1, 0, 0}, docs[0].Vector, 1e-6)
	assert.InDeltaSlice(t, []float32{0.70710677, 0.70710677, 0}, docs[1].Vector, 1e-6)
}

func TestQuery_KEdgeCases(t *testing.T) {
	ctx := context.Background()
	emb := newAxisEmbedder()
	idx, err := Build(ctx, emb, axisRecords("north", "east", "up"))
	require.NoError(t, err)

	for _, tt := range []struct {
		k, want int
	}{{-2, 0}, {0, 0}, {1, 1}, {3, 3}, {50, 3}} {
		emb.calls = 0
		res, err := idx.Query(ctx, emb, "q:north", tt.k)
		require.NoError(t, err)
		assert.Len(t, res, tt.want, "k=%d", tt.k)
		ids := map[string]bool{}
		for _, r := range res {
			assert.False(t, ids[r.Document.ID], "duplicate %s", r.Document.ID)
			ids[r.Document.ID] = true
		}
		if tt.k <= 0 {
			assert.Zero(t, emb.calls, "k=%d should not embed", tt.k)
		}
	}
}

func TestQuery_TiesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	emb := newAxisEmbedder()
	// "east" and "east2" point the same way.
	idx, err := Build(ctx, emb, axisRecords("east2", "north", "east"))
	require.NoError(t, err)
	res, err := idx.Query(ctx, emb, "q:east", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"east2", "east"}, texts(res))
}

func TestQuery_EmptyIndex(t *testing.T) {
	ctx := context.Background()
	emb := newAxisEmbedder()
	idx, err := Build(ctx, emb, nil)
	require.NoError(t, err)
	res, err := idx.Query(ctx, emb, "q:east", 3)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Zero(t, emb.calls)
}

func TestQuery_ProviderMismatch(t *testing.T) {
	ctx := context.Background()
	idx, err := Build(ctx, newAxisEmbedder(), axisRecords("east"))
	require.NoError(t, err)
	_, err = idx.Query(ctx, embedding.NewMockEmbedder(3), "east", 1)
	assert.ErrorIs(t, err, ErrProviderMismatch)
}

func TestQuery_EmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	emb := newAxisEmbedder()
	idx, err := Build(ctx, emb, axisRecords("east"))
	require.NoError(t, err)
	emb.err = errors.New("connection refused")
	_, err = idx.Query(ctx, emb, "q:east", 1)
	var embErr *embedding.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, "axis/3", embErr.Provider)
}

func TestBuild_Failures(t *testing.T) {
	ctx := context.Background()

	emb := newAxisEmbedder()
	emb.err = errors.New("unreachable")
	_, err := Build(ctx, emb, axisRecords("east"))
	var embErr *embedding.EmbeddingError
	assert.ErrorAs(t, err, &embErr)

	bad := newAxisEmbedder()
	bad.vectors["short"] = []float32{1, 0}
	_, err = Build(ctx, bad, axisRecords("east", "short"))
	require.ErrorAs(t, err, &embErr)
	assert.ErrorIs(t, err, embedding.ErrMalformedOutput)

	dup := []models.Record{{ID: "x", Text: "east"}, {ID: "x", Text: "north"}}
	_, err = Build(ctx, newAxisEmbedder(), dup)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestBuild_Batches(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewMockEmbedder(8)
	recs := make([]models.Record, 10)
	for i := range recs {
		recs[i] = models.Record{ID: fmt.Sprintf("id-%02d", i), Text: fmt.Sprintf("text %d", i)}
	}
	idx, err := Build(ctx, emb, recs, WithBatchSize(3))
	require.NoError(t, err)
	docs := idx.Documents()
	require.Len(t, docs, 10)
	for i, d := range docs {
		assert.Equal(t, recs[i].ID, d.ID)
		assert.Len(t, d.Vector, 8)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	emb := newAxisEmbedder()
	idx, err := Build(ctx, emb, axisRecords("north", "east", "up", "northeast"))
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "index", "knowledge")
	require.NoError(t, idx.Save(ctx, dir))
	assert.FileExists(t, filepath.Join(dir, DocumentsFile))
	assert.FileExists(t, filepath.Join(dir, VectorsFile))

	loaded, err := Load(ctx, dir, emb)
	require.NoError(t, err)
	assert.Equal(t, idx.Size(), loaded.Size())
	assert.True(t, idx.BuiltAt().Equal(loaded.BuiltAt()))
	for i, d := range loaded.Documents() {
		orig := idx.Documents()[i]
		assert.Equal(t, orig.ID, d.ID)
		assert.Equal(t, orig.Text, d.Text)
		assert.Equal(t, orig.Source, d.Source)
		assert.Equal(t, orig.Vector, d.Vector)
	}
	for _, q := range []string{"q:east", "q:north"} {
		for k := 0; k <= 5; k++ {
			a, err := idx.Query(ctx, emb, q, k)
			require.NoError(t, err)
			b, err := loaded.Query(ctx, emb, q, k)
			require.NoError(t, err)
			assert.Equal(t, texts(a), texts(b), "q=%s k=%d", q, k)
		}
	}

	meta, err := ReadMeta(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.Count)
	assert.Equal(t, "axis/3", meta.Provider)
}

func TestSave_ReplacesPreviousIndex(t *testing.T) {
	ctx := context.Background()
	emb := newAxisEmbedder()
	dir := filepath.Join(t.TempDir(), "knowledge")

	first, err := Build(ctx, emb, axisRecords("north"))
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, dir))
	second, err := Build(ctx, emb, axisRecords("east", "up"))
	require.NoError(t, err)
	require.NoError(t, second.Save(ctx, dir))

	loaded, err := Load(ctx, dir, emb)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Size())

	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging directories should be cleaned up")
}

func TestSave_FailureReportsPersistenceError(t *testing.T) {
	ctx := context.Background()
	idx, err := Build(ctx, newAxisEmbedder(), axisRecords("east"))
	require.NoError(t, err)

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	err = idx.Save(ctx, filepath.Join(blocker, "index"))
	var perr *storage.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save index", perr.Op)
}

func TestLoad_Failures(t *testing.T) {
	ctx := context.Background()
	emb := newAxisEmbedder()
	var perr *storage.PersistenceError

	_, err := Load(ctx, filepath.Join(t.TempDir(), "missing"), emb)
	require.ErrorAs(t, err, &perr)

	idx, err := Build(ctx, emb, axisRecords("north", "east"))
	require.NoError(t, err)
	saved := filepath.Join(t.TempDir(), "knowledge")
	require.NoError(t, idx.Save(ctx, saved))

	t.Run("provider mismatch", func(t *testing.T) {
		other := newAxisEmbedder()
		other.provider = "axis/other"
		_, err := Load(ctx, saved, other)
		require.ErrorAs(t, err, &perr)
		assert.ErrorIs(t, err, storage.ErrIncompatible)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		other := newAxisEmbedder()
		other.dims = 4
		_, err := Load(ctx, saved, other)
		assert.ErrorIs(t, err, storage.ErrIncompatible)
	})

	t.Run("missing vectors", func(t *testing.T) {
		dir := copyIndex(t, saved)
		require.NoError(t, os.Remove(filepath.Join(dir, VectorsFile)))
		_, err := Load(ctx, dir, emb)
		require.ErrorAs(t, err, &perr)
	})

	t.Run("truncated vectors", func(t *testing.T) {
		dir := copyIndex(t, saved)
		path := filepath.Join(dir, VectorsFile)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0644))
		_, err = Load(ctx, dir, emb)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("vectors from another index", func(t *testing.T) {
		dir := copyIndex(t, saved)
		otherIdx, err := Build(ctx, emb, axisRecords("up"))
		require.NoError(t, err)
		otherDir := filepath.Join(t.TempDir(), "other")
		require.NoError(t, otherIdx.Save(ctx, otherDir))
		data, err := os.ReadFile(filepath.Join(otherDir, VectorsFile))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, VectorsFile), data, 0644))
		_, err = Load(ctx, dir, emb)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func copyIndex(t *testing.T, src string) string {
	t.Helper()
	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, os.MkdirAll(dst, 0755))
	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dst, e.Name()), data, 0644))
	}
	return dst
}

func TestKeywordSearch(t *testing.T) {
	ctx := context.Background()
	recs := []models.Record{
		{ID: "a", Text: "Our food bank opens on Saturdays", Source: "foodbank.md"},
		{ID: "b", Text: "Volunteers can register online", Source: "volunteer.md"},
	}
	idx, err := Build(ctx, embedding.NewMockEmbedder(8), recs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	res, err := idx.KeywordSearch(ctx, "saturdays", 3)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].Document.ID)
	assert.Greater(t, res[0].Distance, 0.0)
	assert.Less(t, res[0].Distance, 1.0)

	res, err = idx.KeywordSearch(ctx, "saturdays", 0)
	require.NoError(t, err)
	assert.Empty(t, res)
}
