package archive

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// testBytes returns n bytes with no repeating chunk-sized period.
func testBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i/1024 + 7)
	}
	return data
}

func testMeta(owner byte) model.ContentMetadata {
	return model.ContentMetadata{
		ContentType: "text/html",
		Owner:       model.PublicKey{0: owner},
		Criticality: model.CriticalityStandard,
	}
}

func smallConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.ChunkSize = 1 << 10
	cfg.ChunkingThreshold = 1 << 10
	return cfg
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := NewStore(zap.NewNop(), cfg)
	require.NoError(t, err)
	return s
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func findFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestStore_ChunkedDedup(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(t)
	s := newTestStore(t, cfg)
	data := testBytes(4 << 10)

	res, err := s.Store(data, testMeta(1))
	require.NoError(t, err)
	assert.True(t, res.Chunked)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, 4, res.ChunkCount)
	assert.Equal(t, 4, countFiles(t, filepath.Join(cfg.BaseDir, "chunks")))
	assert.Equal(t, 1, countFiles(t, filepath.Join(cfg.BaseDir, "indexes")))

	obj, ok := s.ObjectOf(res.ContentHash)
	require.True(t, ok)
	for _, ch := range obj.ChunkHashes {
		c, ok := s.ChunkOf(ch)
		require.True(t, ok)
		assert.Equal(t, 1, c.RefCount)
	}

	// A repeated store from another owner only bumps reference counts.
	res2, err := s.Store(data, testMeta(2))
	require.NoError(t, err)
	assert.True(t, res2.Deduplicated)
	assert.Equal(t, res.ContentHash, res2.ContentHash)
	assert.Equal(t, 4, countFiles(t, filepath.Join(cfg.BaseDir, "chunks")))
	assert.Equal(t, 1, countFiles(t, filepath.Join(cfg.BaseDir, "indexes")))

	obj, _ = s.ObjectOf(res.ContentHash)
	assert.Equal(t, 2, obj.RefCount)
	for _, ch := range obj.ChunkHashes {
		c, _ := s.ChunkOf(ch)
		assert.Equal(t, 2, c.RefCount)
	}
}

func TestStore_RepeatedStoreWithoutDedup(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(t)
	cfg.Deduplication = false
	s := newTestStore(t, cfg)
	data := testBytes(4 << 10)

	res, err := s.Store(data, testMeta(1))
	require.NoError(t, err)
	res2, err := s.Store(data, testMeta(2))
	require.NoError(t, err)
	assert.True(t, res2.Deduplicated)
	assert.Equal(t, res.ContentHash, res2.ContentHash)

	// Object and chunk reference counts move together with the dedup
	// cache disabled.
	obj, ok := s.ObjectOf(res.ContentHash)
	require.True(t, ok)
	assert.Equal(t, 2, obj.RefCount)
	for _, ch := range obj.ChunkHashes {
		c, ok := s.ChunkOf(ch)
		require.True(t, ok)
		assert.Equal(t, 2, c.RefCount)
	}

	// Releasing both owners removes the object and its chunk files.
	require.NoError(t, s.Delete(res.ContentHash))
	require.NoError(t, s.Delete(res.ContentHash))
	_, ok = s.ObjectOf(res.ContentHash)
	assert.False(t, ok)
	assert.Equal(t, 0, countFiles(t, filepath.Join(cfg.BaseDir, "chunks")))
}

func TestStore_RetrieveIntegrity(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(t)
	s := newTestStore(t, cfg)
	data := testBytes(4 << 10)

	res, err := s.Store(data, testMeta(1))
	require.NoError(t, err)

	got, err := s.Retrieve(res.ContentHash)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// Corrupting one chunk file turns retrieval into an integrity failure.
	chunkFiles := findFiles(t, filepath.Join(cfg.BaseDir, "chunks"))
	require.NotEmpty(t, chunkFiles)
	require.NoError(t, os.WriteFile(chunkFiles[0], []byte("corrupt"), 0o644))

	_, err = s.Retrieve(res.ContentHash)
	require.Error(t, err)
	assert.Equal(t, errs.IntegrityViolation, errs.KindOf(err))

	err = s.Verify(res.ContentHash, true)
	require.Error(t, err)
	assert.Equal(t, errs.IntegrityViolation, errs.KindOf(err))
}

func TestStore_RoundTripAlgorithms(t *testing.T) {
	t.Parallel()
	algos := []Algorithm{AlgorithmNone, AlgorithmGzip, AlgorithmLZ4, AlgorithmZstd, AlgorithmBrotli}
	sizes := map[string]int{"single": 512, "chunked": 3 << 10}

	for _, algo := range algos {
		for name, size := range sizes {
			algo, name, size := algo, name, size
			t.Run(string(algo)+"_"+name, func(t *testing.T) {
				t.Parallel()
				cfg := smallConfig(t)
				cfg.Compression = algo
				s := newTestStore(t, cfg)
				data := testBytes(size)

				res, err := s.Store(data, testMeta(1))
				require.NoError(t, err)
				assert.Equal(t, size > 1<<10, res.Chunked)

				got, err := s.Retrieve(res.ContentHash)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, got))
			})
		}
	}
}

func TestStore_MaxCompression(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(t)
	cfg.MaxCompression = true
	s := newTestStore(t, cfg)
	data := testBytes(512)

	res, err := s.Store(data, testMeta(1))
	require.NoError(t, err)
	got, err := s.Retrieve(res.ContentHash)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestStore_SingleBlobLayout(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(t)
	s := newTestStore(t, cfg)
	data := testBytes(256)

	res, err := s.Store(data, testMeta(1))
	require.NoError(t, err)
	assert.False(t, res.Chunked)

	hex := res.ContentHash.Hex()
	path := filepath.Join(cfg.BaseDir, "content", hex[:2], hex[2:4], hex+".zst")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Delete(res.ContentHash))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = s.Retrieve(res.ContentHash)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestStore_DeleteKeepsSharedChunks(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(t)
	s := newTestStore(t, cfg)
	data := testBytes(2 << 10)

	res, err := s.Store(data, testMeta(1))
	require.NoError(t, err)
	_, err = s.Store(data, testMeta(2))
	require.NoError(t, err)

	// The first delete only drops a reference.
	require.NoError(t, s.Delete(res.ContentHash))
	assert.Equal(t, 2, countFiles(t, filepath.Join(cfg.BaseDir, "chunks")))
	got, err := s.Retrieve(res.ContentHash)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// The last delete reclaims chunk and index files.
	require.NoError(t, s.Delete(res.ContentHash))
	assert.Zero(t, countFiles(t, filepath.Join(cfg.BaseDir, "chunks")))
	assert.Zero(t, countFiles(t, filepath.Join(cfg.BaseDir, "indexes")))
}

func TestStore_VerificationCache(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(t)
	cfg.ReverifyInterval = time.Hour
	s := newTestStore(t, cfg)
	mock := clock.NewMock()
	s.WithClock(mock)
	data := testBytes(256)

	res, err := s.Store(data, testMeta(1))
	require.NoError(t, err)
	require.NoError(t, s.Verify(res.ContentHash, false))

	// Corruption goes unnoticed while the verification cache is fresh.
	files := findFiles(t, filepath.Join(cfg.BaseDir, "content"))
	require.Len(t, files, 1)
	require.NoError(t, os.WriteFile(files[0], []byte("corrupt"), 0o644))
	require.NoError(t, s.Verify(res.ContentHash, false))

	// A stale cache entry forces a re-read.
	mock.Add(2 * time.Hour)
	err = s.Verify(res.ContentHash, false)
	require.Error(t, err)
	assert.Equal(t, errs.IntegrityViolation, errs.KindOf(err))

	report := s.VerifyAll()
	assert.Equal(t, 1, report.Checked)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, res.ContentHash, report.Failed[0])
}

func TestStore_Stats(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(t)
	s := newTestStore(t, cfg)

	_, err := s.Store(testBytes(256), testMeta(1))
	require.NoError(t, err)
	_, err = s.Store(testBytes(3<<10), testMeta(1))
	require.NoError(t, err)

	st := s.StatsSnapshot()
	assert.Equal(t, 2, st.Objects)
	assert.Equal(t, 3, st.Chunks)
	assert.Equal(t, uint64(256+(3<<10)), st.LogicalBytes)
	assert.NotZero(t, st.StoredBytes)
	assert.Equal(t, 2, st.DedupEntries)
}

func TestDedupCache_EvictsOnlyIdleEntries(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	d, err := newDedupCache(2, mock)
	require.NoError(t, err)

	h1, h2, h3 := model.Hash{1}, model.Hash{2}, model.Hash{3}
	d.acquire(h1, 100)
	d.acquire(h2, 200)
	d.acquire(h3, 300)
	assert.Equal(t, 3, d.len())

	// Dropping h1 and h2 to zero references makes them evictable; adding a
	// third idle entry pushes the oldest out.
	d.release(h1)
	d.release(h2)
	d.release(h3)
	assert.Equal(t, 2, d.len())
	_, ok := d.lookup(h1)
	assert.False(t, ok)

	e, ok := d.lookup(h2)
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.AccessCount)
	assert.Zero(t, e.RefCount)
}

func TestCompress_UnknownAlgorithm(t *testing.T) {
	t.Parallel()
	_, err := Compress(Algorithm("lzma"), []byte("x"), false)
	require.Error(t, err)
	_, err = Decompress(Algorithm("lzma"), []byte("x"))
	require.Error(t, err)
}
