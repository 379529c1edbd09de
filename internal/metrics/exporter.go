package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/archivechain/archivechain/internal/bandwidth"
	"github.com/archivechain/archivechain/internal/discovery"
	"github.com/archivechain/archivechain/internal/health"
	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/registry"
	"github.com/archivechain/archivechain/internal/storage"
)

var (
	storageObjectsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "storage", Name: "objects_tracked",
		Help: "Content objects under management.",
	})
	storageBytesStored = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "storage", Name: "bytes_stored",
		Help: "Bytes committed to the local archive.",
	})
	storageStoreFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "storage", Name: "store_failures_total",
		Help: "Store operations that could not place any replica.",
	})
	storageAlertsRaised = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "storage", Name: "alerts_raised_total",
		Help: "Alerts raised by optimization sweeps.",
	})

	registryTotalNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "registry", Name: "nodes_total",
		Help: "Nodes known to the fleet registry.",
	})
	registryActiveNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "registry", Name: "nodes_active",
		Help: "Nodes currently active.",
	})
	registryAvgReputation = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "registry", Name: "reputation_average",
		Help: "Mean overall reputation across the fleet.",
	})

	healthChecksTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "health", Name: "checks_total",
		Help: "Health checks performed.",
	})
	healthAlertsGenerated = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "health", Name: "alerts_generated_total",
		Help: "Alerts opened by the monitor.",
	})
	healthRecoveriesSucceeded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "health", Name: "recoveries_succeeded_total",
		Help: "Recovery actions that completed.",
	})

	schedulerActiveTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "scheduler", Name: "transfers_active",
		Help: "Transfers currently running.",
	})
	schedulerQueuedTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "scheduler", Name: "transfers_queued",
		Help: "Transfers waiting in the upload and download queues.",
	})
	schedulerBytesMoved = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "scheduler", Name: "bytes_moved_total",
		Help: "Bytes moved by completed transfers.",
	})

	ledgerCirculating = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "ledger", Name: "supply_circulating",
		Help: "Tokens in circulation.",
	})
	ledgerBurned = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "ledger", Name: "supply_burned",
		Help: "Tokens burned.",
	})
	ledgerHolders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "ledger", Name: "holders",
		Help: "Accounts with a balance.",
	})

	discoveryIndexedObjects = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "discovery", Name: "objects_indexed",
		Help: "Content objects in the discovery index.",
	})
	discoveryCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "archivechain", Subsystem: "discovery", Name: "cache_hit_rate",
		Help: "Search cache hit rate.",
	})
)

// Exporter publishes point-in-time subsystem snapshots as gauges. The
// daemon feeds it on a fixed cadence.
type Exporter struct{}

// NewExporter creates an Exporter.
func NewExporter() *Exporter {
	return &Exporter{}
}

// ObserveStorage publishes a storage coordinator snapshot.
func (e Exporter) ObserveStorage(st storage.Stats) {
	storageObjectsTracked.Set(float64(st.TrackedObjects))
	storageBytesStored.Set(float64(st.BytesStored))
	storageStoreFailures.Set(float64(st.StoreFailures))
	storageAlertsRaised.Set(float64(st.AlertsRaised))
}

// ObserveRegistry publishes a fleet registry snapshot.
func (e Exporter) ObserveRegistry(st registry.Stats) {
	registryTotalNodes.Set(float64(st.TotalNodes))
	registryActiveNodes.Set(float64(st.ActiveNodes))
	registryAvgReputation.Set(st.AverageReputation)
}

// ObserveHealth publishes a health monitor snapshot.
func (e Exporter) ObserveHealth(st health.Stats) {
	healthChecksTotal.Set(float64(st.TotalChecks))
	healthAlertsGenerated.Set(float64(st.AlertsGenerated))
	healthRecoveriesSucceeded.Set(float64(st.RecoveriesSucceeded))
}

// ObserveScheduler publishes a bandwidth scheduler snapshot.
func (e Exporter) ObserveScheduler(st bandwidth.Stats) {
	schedulerActiveTransfers.Set(float64(st.ActiveTransfers))
	schedulerQueuedTransfers.Set(float64(st.UploadQueued + st.DownloadQueued))
	schedulerBytesMoved.Set(float64(st.Metrics.TotalUploaded + st.Metrics.TotalDownloaded))
}

// ObserveLedger publishes a supply accounting snapshot.
func (e Exporter) ObserveLedger(st ledger.Stats) {
	ledgerCirculating.Set(float64(st.Circulating))
	ledgerBurned.Set(float64(st.Burned))
	ledgerHolders.Set(float64(st.Holders))
}

// ObserveDiscovery publishes a discovery snapshot.
func (e Exporter) ObserveDiscovery(st discovery.Stats) {
	discoveryIndexedObjects.Set(float64(st.IndexedObjects))
	discoveryCacheHitRate.Set(st.CacheHitRate)
}
