package bandwidth

import (
	"sort"
	"time"

	"github.com/archivechain/archivechain/internal/model"
)

// Limits tracks a node's bandwidth budget and current reservations in
// bytes per second.
type Limits struct {
	UploadLimit         uint64
	DownloadLimit       uint64
	CurrentUpload       uint64
	CurrentDownload     uint64
	PerTransferUpload   uint64
	PerTransferDownload uint64
}

// NewLimits caps a single transfer at a quarter of the node budget.
func NewLimits(uploadLimit, downloadLimit uint64) Limits {
	return Limits{
		UploadLimit:         uploadLimit,
		DownloadLimit:       downloadLimit,
		PerTransferUpload:   uploadLimit / 4,
		PerTransferDownload: downloadLimit / 4,
	}
}

// Admits reports whether a reservation fits the direction's budget,
// scaled by the boost factor when a temporary boost is active. The
// per-transfer cap binds the single reservation and is never boosted.
func (l Limits) Admits(direction Direction, estimated uint64, boost float64) bool {
	switch direction {
	case DirectionUpload:
		if l.PerTransferUpload > 0 && estimated > l.PerTransferUpload {
			return false
		}
		return float64(l.CurrentUpload+estimated) <= float64(l.UploadLimit)*boost
	default:
		if l.PerTransferDownload > 0 && estimated > l.PerTransferDownload {
			return false
		}
		return float64(l.CurrentDownload+estimated) <= float64(l.DownloadLimit)*boost
	}
}

// Utilization is the busier direction's usage fraction.
func (l Limits) Utilization() float64 {
	up, down := 0.0, 0.0
	if l.UploadLimit > 0 {
		up = float64(l.CurrentUpload) / float64(l.UploadLimit)
	}
	if l.DownloadLimit > 0 {
		down = float64(l.CurrentDownload) / float64(l.DownloadLimit)
	}
	if up > down {
		return up
	}
	return down
}

// Available returns the unreserved bandwidth for a direction.
func (l Limits) Available(direction Direction) uint64 {
	switch direction {
	case DirectionUpload:
		if l.CurrentUpload >= l.UploadLimit {
			return 0
		}
		return l.UploadLimit - l.CurrentUpload
	default:
		if l.CurrentDownload >= l.DownloadLimit {
			return 0
		}
		return l.DownloadLimit - l.CurrentDownload
	}
}

// nodeState is the scheduler's per-node record.
type nodeState struct {
	limits          Limits
	latency         time.Duration
	activeTransfers int
	lastUpdated     time.Time
}

func (n *nodeState) reserve(direction Direction, estimated uint64) {
	switch direction {
	case DirectionUpload:
		n.limits.CurrentUpload += estimated
	default:
		n.limits.CurrentDownload += estimated
	}
	n.activeTransfers++
}

func (n *nodeState) release(direction Direction, estimated uint64) {
	switch direction {
	case DirectionUpload:
		if n.limits.CurrentUpload >= estimated {
			n.limits.CurrentUpload -= estimated
		} else {
			n.limits.CurrentUpload = 0
		}
	default:
		if n.limits.CurrentDownload >= estimated {
			n.limits.CurrentDownload -= estimated
		} else {
			n.limits.CurrentDownload = 0
		}
	}
	if n.activeTransfers > 0 {
		n.activeTransfers--
	}
}

// transferScore ranks a node as the target of a transfer: available
// bandwidth for the direction, latency, then active load.
func transferScore(state *nodeState, direction Direction, dataSize uint64) float64 {
	available := state.limits.Available(direction)
	bandwidthScore := 1.0
	if dataSize > 0 && available < dataSize {
		bandwidthScore = float64(available) / float64(dataSize)
	}
	latencyScore := 1.0 / (1.0 + float64(state.latency.Milliseconds())/1000.0)
	loadScore := 1.0 / (1.0 + float64(state.activeTransfers))
	return 0.5*bandwidthScore + 0.3*latencyScore + 0.2*loadScore
}

// SelectTransferNode picks the best target among candidates for a
// transfer of the given type and size. Unknown candidates are skipped.
// With load balancing disabled the first known candidate wins.
func (s *Scheduler) SelectTransferNode(candidates []model.Hash, transferType TransferType, dataSize uint64) (model.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	direction := transferType.Direction()
	if !s.cfg.LoadBalancing {
		for _, id := range candidates {
			if _, ok := s.nodes[id]; ok {
				return id, true
			}
		}
		return model.Hash{}, false
	}

	type scored struct {
		id    model.Hash
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		state, ok := s.nodes[id]
		if !ok {
			continue
		}
		ranked = append(ranked, scored{id: id, score: transferScore(state, direction, dataSize)})
	}
	if len(ranked) == 0 {
		return model.Hash{}, false
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id.Hex() < ranked[j].id.Hex()
	})
	return ranked[0].id, true
}
