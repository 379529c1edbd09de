// Package archive is the content-addressed object store: chunking above a
// size threshold, per-blob compression, reference-counted deduplication and
// integrity verification over the on-disk layout
// <base>/{content,chunks,indexes}/<hh>/<hh>/<hex><ext>.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// Config tunes the object store.
type Config struct {
	BaseDir           string
	Compression       Algorithm
	MaxCompression    bool
	ChunkSize         uint64
	ChunkingThreshold uint64
	Deduplication     bool
	IntegrityChecks   bool
	DedupCacheSize    int
	ReverifyInterval  time.Duration
	VerifyWorkers     int
	// VerifyReadRate caps disk reads per second during verification
	// sweeps.
	VerifyReadRate int
}

// DefaultConfig mirrors the deployed defaults.
func DefaultConfig(baseDir string) Config {
	return Config{
		BaseDir:           baseDir,
		Compression:       AlgorithmZstd,
		ChunkSize:         1 << 20,
		ChunkingThreshold: 1 << 20,
		Deduplication:     true,
		IntegrityChecks:   true,
		DedupCacheSize:    10_000,
		ReverifyInterval:  time.Hour,
		VerifyWorkers:     4,
		VerifyReadRate:    100,
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "archive.Config"
	if c.BaseDir == "" {
		return errs.E(errs.InvalidInput, op, "base storage path is required")
	}
	if !c.Compression.Valid() {
		return errs.Ef(errs.InvalidInput, op, "unknown compression algorithm %q", c.Compression)
	}
	if c.ChunkSize == 0 {
		return errs.E(errs.InvalidInput, op, "chunk size must be positive")
	}
	if c.DedupCacheSize <= 0 {
		return errs.E(errs.InvalidInput, op, "dedup cache size must be positive")
	}
	if c.VerifyWorkers <= 0 {
		return errs.E(errs.InvalidInput, op, "verify worker count must be positive")
	}
	if c.VerifyReadRate <= 0 {
		return errs.E(errs.InvalidInput, op, "verify read rate must be positive")
	}
	return nil
}

// ChunkInfo is the bookkeeping record of one stored chunk. The chunk hash
// covers the uncompressed bytes.
type ChunkInfo struct {
	Hash           model.Hash
	OriginalSize   uint64
	CompressedSize uint64
	Offset         uint64
	RefCount       int
}

// StoredObject is the in-memory record of one content object.
type StoredObject struct {
	Meta        model.ContentMetadata
	Algorithm   Algorithm
	Chunked     bool
	RefCount    int
	StoredSize  uint64
	ChunkHashes []model.Hash
}

// chunkIndex is the serialized index record for chunked content.
type chunkIndex struct {
	ContentHash string   `json:"content_hash"`
	Chunks      []string `json:"chunks"`
	TotalSize   uint64   `json:"total_size"`
}

// StoreResult reports the outcome of a store call.
type StoreResult struct {
	ContentHash  model.Hash
	Deduplicated bool
	Chunked      bool
	ChunkCount   int
	StoredSize   uint64
}

// Store is the archive object store.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	objects  map[model.Hash]*StoredObject
	chunks   map[model.Hash]*ChunkInfo
	dedup    *dedupCache
	verified map[model.Hash]time.Time
	pacer    ratelimit.Limiter
	clock    clock.Clock
	logger   *zap.Logger
}

// NewStore builds the store and creates the on-disk layout.
func NewStore(logger *zap.Logger, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{"content", "chunks", "indexes"} {
		if err := os.MkdirAll(filepath.Join(cfg.BaseDir, dir), 0o750); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	s := &Store{
		cfg:      cfg,
		objects:  make(map[model.Hash]*StoredObject),
		chunks:   make(map[model.Hash]*ChunkInfo),
		verified: make(map[model.Hash]time.Time),
		pacer:    ratelimit.New(cfg.VerifyReadRate),
		clock:    clock.New(),
		logger:   logger.Named("archiveStore"),
	}
	dedup, err := newDedupCache(cfg.DedupCacheSize, s.clock)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	s.dedup = dedup
	return s, nil
}

// WithClock replaces the time source, for tests.
func (s *Store) WithClock(c clock.Clock) *Store {
	s.clock = c
	s.dedup.clock = c
	return s
}

// Store writes a content object. A repeated store of known bytes bumps
// reference counts; the dedup cache tracks the savings only when
// deduplication is on.
func (s *Store) Store(data []byte, meta model.ContentMetadata) (StoreResult, error) {
	const op = "archive.Store"
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) == 0 {
		return StoreResult{}, errs.E(errs.InvalidInput, op, "empty content")
	}
	hash := crypto.Checksum(data)

	if obj, ok := s.objects[hash]; ok {
		obj.RefCount++
		for _, ch := range obj.ChunkHashes {
			s.chunks[ch].RefCount++
		}
		if s.cfg.Deduplication {
			s.dedup.acquire(hash, uint64(len(data)))
		}
		return StoreResult{
			ContentHash:  hash,
			Deduplicated: true,
			Chunked:      obj.Chunked,
			ChunkCount:   len(obj.ChunkHashes),
			StoredSize:   obj.StoredSize,
		}, nil
	}

	meta.ContentHash = hash
	meta.Size = uint64(len(data))
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.clock.Now()
	}

	obj := &StoredObject{
		Meta:      meta,
		Algorithm: s.cfg.Compression,
		RefCount:  1,
	}
	if uint64(len(data)) <= s.cfg.ChunkingThreshold {
		compressed, err := Compress(s.cfg.Compression, data, s.cfg.MaxCompression)
		if err != nil {
			return StoreResult{}, errs.Wrap(errs.Internal, op, err)
		}
		if err := writeFileAt(s.contentPath(hash), compressed); err != nil {
			return StoreResult{}, errs.Wrap(errs.Internal, op, err)
		}
		obj.StoredSize = uint64(len(compressed))
	} else {
		if err := s.storeChunked(obj, hash, data); err != nil {
			return StoreResult{}, err
		}
	}

	s.objects[hash] = obj
	if s.cfg.Deduplication {
		s.dedup.acquire(hash, uint64(len(data)))
	}
	s.logger.Debug("content stored",
		zap.String("hash", hash.Short()),
		zap.String("size", humanize.IBytes(uint64(len(data)))),
		zap.Bool("chunked", obj.Chunked),
		zap.Int("chunks", len(obj.ChunkHashes)))
	return StoreResult{
		ContentHash: hash,
		Chunked:     obj.Chunked,
		ChunkCount:  len(obj.ChunkHashes),
		StoredSize:  obj.StoredSize,
	}, nil
}

func (s *Store) storeChunked(obj *StoredObject, hash model.Hash, data []byte) error {
	const op = "archive.Store"
	size := s.cfg.ChunkSize
	var offset uint64
	for offset < uint64(len(data)) {
		end := offset + size
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		part := data[offset:end]
		chash := crypto.Checksum(part)
		if c, ok := s.chunks[chash]; ok {
			c.RefCount++
		} else {
			compressed, err := Compress(s.cfg.Compression, part, s.cfg.MaxCompression)
			if err != nil {
				return errs.Wrap(errs.Internal, op, err)
			}
			if err := writeFileAt(s.chunkPath(chash), compressed); err != nil {
				return errs.Wrap(errs.Internal, op, err)
			}
			s.chunks[chash] = &ChunkInfo{
				Hash:           chash,
				OriginalSize:   uint64(len(part)),
				CompressedSize: uint64(len(compressed)),
				Offset:         offset,
				RefCount:       1,
			}
			obj.StoredSize += uint64(len(compressed))
		}
		obj.ChunkHashes = append(obj.ChunkHashes, chash)
		offset = end
	}

	index := chunkIndex{ContentHash: hash.Hex(), TotalSize: uint64(len(data))}
	for _, ch := range obj.ChunkHashes {
		index.Chunks = append(index.Chunks, ch.Hex())
	}
	encoded, err := json.Marshal(index)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	if err := writeFileAt(s.indexPath(hash), encoded); err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	obj.Chunked = true
	return nil
}

// Retrieve reads a content object back and checks it against its hash.
func (s *Store) Retrieve(hash model.Hash) ([]byte, error) {
	const op = "archive.Retrieve"
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[hash]
	if !ok {
		return nil, errs.E(errs.NotFound, op, "unknown content")
	}

	var data []byte
	if obj.Chunked {
		for _, ch := range obj.ChunkHashes {
			part, err := s.readBlob(s.chunkPath(ch), obj.Algorithm)
			if err != nil {
				return nil, errs.Wrap(errs.IntegrityViolation, op, err)
			}
			data = append(data, part...)
		}
	} else {
		var err error
		data, err = s.readBlob(s.contentPath(hash), obj.Algorithm)
		if err != nil {
			return nil, errs.Wrap(errs.IntegrityViolation, op, err)
		}
	}

	if crypto.Checksum(data) != hash {
		return nil, errs.E(errs.IntegrityViolation, op, "content hash mismatch")
	}
	if s.cfg.IntegrityChecks {
		s.verified[hash] = s.clock.Now()
	}
	return data, nil
}

// Delete drops one reference; the last reference removes the files. Chunk
// bytes are reclaimed only when no other object references them.
func (s *Store) Delete(hash model.Hash) error {
	const op = "archive.Delete"
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[hash]
	if !ok {
		return errs.E(errs.NotFound, op, "unknown content")
	}
	obj.RefCount--
	s.dedup.release(hash)
	if obj.RefCount > 0 {
		for _, ch := range obj.ChunkHashes {
			s.chunks[ch].RefCount--
		}
		return nil
	}

	if obj.Chunked {
		for _, ch := range obj.ChunkHashes {
			c := s.chunks[ch]
			c.RefCount--
			if c.RefCount <= 0 {
				if err := os.Remove(s.chunkPath(ch)); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove chunk: %w", err)
				}
				delete(s.chunks, ch)
			}
		}
		if err := os.Remove(s.indexPath(hash)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove index: %w", err)
		}
	} else {
		if err := os.Remove(s.contentPath(hash)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove content: %w", err)
		}
	}
	delete(s.objects, hash)
	delete(s.verified, hash)
	return nil
}

// Has reports whether the store holds the content object.
func (s *Store) Has(hash model.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[hash]
	return ok
}

// MetadataOf returns the stored metadata.
func (s *Store) MetadataOf(hash model.Hash) (model.ContentMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[hash]
	if !ok {
		return model.ContentMetadata{}, false
	}
	return obj.Meta, true
}

// ObjectOf returns a copy of the bookkeeping record.
func (s *Store) ObjectOf(hash model.Hash) (StoredObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[hash]
	if !ok {
		return StoredObject{}, false
	}
	cp := *obj
	cp.ChunkHashes = append([]model.Hash(nil), obj.ChunkHashes...)
	return cp, true
}

// ChunkOf returns a copy of a chunk record.
func (s *Store) ChunkOf(hash model.Hash) (ChunkInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[hash]
	if !ok {
		return ChunkInfo{}, false
	}
	return *c, true
}

// Stats summarizes the store contents.
type Stats struct {
	Objects      int
	Chunks       int
	LogicalBytes uint64
	StoredBytes  uint64
	DedupEntries int
}

// StatsSnapshot returns current store statistics.
func (s *Store) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Objects:      len(s.objects),
		Chunks:       len(s.chunks),
		DedupEntries: s.dedup.len(),
	}
	for _, obj := range s.objects {
		st.LogicalBytes += obj.Meta.Size
		st.StoredBytes += obj.StoredSize
	}
	return st
}

// readBlob reads and decompresses one stored file.
func (s *Store) readBlob(path string, algo Algorithm) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	data, err := Decompress(algo, raw)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return data, nil
}

func (s *Store) contentPath(h model.Hash) string {
	hex := h.Hex()
	return filepath.Join(s.cfg.BaseDir, "content", hex[:2], hex[2:4], hex+s.cfg.Compression.Ext())
}

func (s *Store) chunkPath(h model.Hash) string {
	hex := h.Hex()
	return filepath.Join(s.cfg.BaseDir, "chunks", hex[:2], hex[2:4], hex+".chunk"+s.cfg.Compression.Ext())
}

func (s *Store) indexPath(h model.Hash) string {
	hex := h.Hex()
	return filepath.Join(s.cfg.BaseDir, "indexes", hex[:2], hex[2:4], hex+".index")
}

func writeFileAt(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}
