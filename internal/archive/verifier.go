package archive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	chelpers "github.com/archivechain/archivechain/internal/clock"
	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/pkg/workerpool"
)

// verifyJob carries the immutable facts needed to check one object, so
// the disk reads run without the store lock.
type verifyJob struct {
	hash        model.Hash
	algo        Algorithm
	chunked     bool
	chunkHashes []model.Hash
}

// Verify checks one content object against its hash. Recently verified
// objects are skipped unless force is set or the cache entry went stale.
func (s *Store) Verify(hash model.Hash, force bool) error {
	const op = "archive.Verify"
	job, fresh, err := s.verifyJob(op, hash, force)
	if err != nil || fresh {
		return err
	}
	if err := s.runVerify(op, job); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.objects[hash]; ok {
		s.verified[hash] = s.clock.Now()
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) verifyJob(op string, hash model.Hash, force bool) (verifyJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[hash]
	if !ok {
		return verifyJob{}, false, errs.E(errs.NotFound, op, "unknown content")
	}
	if !force {
		if at, ok := s.verified[hash]; ok && s.clock.Now().Sub(at) < s.cfg.ReverifyInterval {
			return verifyJob{}, true, nil
		}
	}
	return verifyJob{
		hash:        hash,
		algo:        obj.Algorithm,
		chunked:     obj.Chunked,
		chunkHashes: append([]model.Hash(nil), obj.ChunkHashes...),
	}, false, nil
}

func (s *Store) runVerify(op string, job verifyJob) error {
	if job.chunked {
		for _, ch := range job.chunkHashes {
			part, err := s.readBlob(s.chunkPath(ch), job.algo)
			if err != nil {
				return errs.Wrap(errs.IntegrityViolation, op, err)
			}
			if crypto.Checksum(part) != ch {
				return errs.Ef(errs.IntegrityViolation, op, "chunk %s failed verification", ch.Short())
			}
		}
		return nil
	}
	data, err := s.readBlob(s.contentPath(job.hash), job.algo)
	if err != nil {
		return errs.Wrap(errs.IntegrityViolation, op, err)
	}
	if crypto.Checksum(data) != job.hash {
		return errs.Ef(errs.IntegrityViolation, op, "content %s failed verification", job.hash.Short())
	}
	return nil
}

// VerificationReport summarizes one verification sweep.
type VerificationReport struct {
	Checked int
	Failed  []model.Hash
}

// VerifyAll sweeps every stored object over a worker pool. Objects
// deleted mid-sweep drop out of the report.
func (s *Store) VerifyAll() VerificationReport {
	s.mu.Lock()
	hashes := make([]model.Hash, 0, len(s.objects))
	for hash := range s.objects {
		hashes = append(hashes, hash)
	}
	s.mu.Unlock()

	var (
		mu     sync.Mutex
		report VerificationReport
	)
	_ = workerpool.Process(context.Background(), s.cfg.VerifyWorkers, hashes,
		func(_ context.Context, hash model.Hash) error {
			s.pacer.Take()
			err := s.Verify(hash, false)
			if err != nil && errs.KindOf(err) == errs.NotFound {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Failed = append(report.Failed, hash)
				s.logger.Error("integrity check failed",
					zap.String("hash", hash.Short()),
					zap.Error(err))
			}
			return nil
		}, nil)
	return report
}

// RunVerifier sweeps the store at the re-verify interval until the context
// is canceled.
func (s *Store) RunVerifier(ctx context.Context, sleep chelpers.SleepFunc) error {
	interval := s.cfg.ReverifyInterval
	if interval <= 0 {
		interval = time.Hour
	}
	for {
		if err := sleep(ctx, interval); err != nil {
			return err
		}
		report := s.VerifyAll()
		if len(report.Failed) > 0 {
			s.logger.Warn("verification sweep found corrupt objects",
				zap.Int("checked", report.Checked),
				zap.Int("failed", len(report.Failed)))
		}
	}
}
