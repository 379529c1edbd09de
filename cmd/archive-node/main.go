package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/archivechain/archivechain/internal/archive"
	"github.com/archivechain/archivechain/internal/bandwidth"
	chelpers "github.com/archivechain/archivechain/internal/clock"
	appconfig "github.com/archivechain/archivechain/internal/config"
	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/deflation"
	"github.com/archivechain/archivechain/internal/discovery"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/health"
	"github.com/archivechain/archivechain/internal/ledger"
	larchive "github.com/archivechain/archivechain/internal/ledger/archive"
	"github.com/archivechain/archivechain/internal/metrics"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/node"
	"github.com/archivechain/archivechain/internal/registry"
	"github.com/archivechain/archivechain/internal/replication"
	"github.com/archivechain/archivechain/internal/rewards"
	"github.com/archivechain/archivechain/internal/staking"
	"github.com/archivechain/archivechain/internal/storage"
	"github.com/archivechain/archivechain/internal/treasury"
)

type config struct {
	Role           string        `long:"role" env:"ARCHIVE_NODE_ROLE" description:"node role: full_archive, light_storage, relay or gateway" default:"full_archive"`
	Region         string        `long:"region" env:"ARCHIVE_NODE_REGION" description:"node region" default:"eu-west"`
	BaseDir        string        `long:"base-dir" env:"ARCHIVE_NODE_BASE_DIR" description:"base storage path" required:"true"`
	ClickhouseDSN  string        `long:"clickhouse-dsn" env:"ARCHIVE_NODE_CLICKHOUSE_DSN" description:"ClickHouse DSN for the analytical event archive"`
	HTTPAddr       string        `long:"http-addr" env:"ARCHIVE_NODE_HTTP_ADDR" description:"gateway HTTP listen address" default:":8080"`
	MetricsAddr    string        `long:"metrics-addr" env:"ARCHIVE_NODE_METRICS_ADDR" description:"address for metrics server" default:":2112"`
	ExportInterval time.Duration `long:"export-interval" env:"ARCHIVE_NODE_EXPORT_INTERVAL" description:"cadence of the stats export loop" default:"15s"`
}

func main() {
	cfg := config{}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic("can't initialize zap logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync()
	}()

	if _, err := flags.ParseArgs(&cfg, os.Args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		logger.Fatal("failed to parse flags", zap.Error(err))
	}

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("archive node failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	startMetricsServer(ctx, cfg.MetricsAddr, logger)

	appCfg := appconfig.Default(cfg.BaseDir)
	appCfg.Cluster.DefaultRegion = cfg.Region
	if err := appCfg.Validate(); err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}

	store, err := archive.NewStore(logger, appCfg.Archive)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}
	geo := replication.NewGeoIndex()
	planner, err := replication.NewPlanner(logger, geo, appCfg.Replication)
	if err != nil {
		return fmt.Errorf("init replication planner: %w", err)
	}
	disc, err := discovery.New(logger, appCfg.Discovery)
	if err != nil {
		return fmt.Errorf("init discovery: %w", err)
	}
	sched, err := bandwidth.NewScheduler(logger, appCfg.Bandwidth, appCfg.QoS)
	if err != nil {
		return fmt.Errorf("init bandwidth scheduler: %w", err)
	}
	reg, err := registry.New(logger, appCfg.Registry)
	if err != nil {
		return fmt.Errorf("init node registry: %w", err)
	}
	monitor, err := health.NewMonitor(logger, appCfg.Health)
	if err != nil {
		return fmt.Errorf("init health monitor: %w", err)
	}
	coordinator, err := storage.NewManager(logger, appCfg.Storage, storage.Dependencies{
		Archive:   store,
		Planner:   planner,
		Geo:       geo,
		Discovery: disc,
		Bandwidth: sched,
		Directory: reg,
	})
	if err != nil {
		return fmt.Errorf("init storage coordinator: %w", err)
	}

	eco, err := buildEconomy(ctx, cfg, appCfg, logger)
	if err != nil {
		return err
	}

	factory := &nodeFactory{
		gateway: appCfg.Gateway,
		store:   coordinator,
		forward: httpForward(&http.Client{Timeout: 30 * time.Second}),
		logger:  logger,
	}
	manager, err := node.NewManager(logger, appCfg.Cluster, factory, reg, monitor, coordinator)
	if err != nil {
		return fmt.Errorf("init cluster manager: %w", err)
	}

	local, err := manager.CreateNode(model.NodeRole(cfg.Role), cfg.Region)
	if err != nil {
		return fmt.Errorf("create %s node: %w", cfg.Role, err)
	}
	if err := manager.StartNode(ctx, local.ID()); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	info, err := reg.NodeOf(local.ID())
	if err != nil {
		return fmt.Errorf("lookup node record: %w", err)
	}
	logger.Info("node started",
		zap.String("node_id", local.ID().Hex()),
		zap.String("role", cfg.Role),
		zap.String("region", cfg.Region))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return reg.Run(ctx, chelpers.SleepWithContext) })
	group.Go(func() error { return monitor.Run(ctx, chelpers.SleepWithContext) })
	group.Go(func() error { return sched.Run(ctx, chelpers.SleepWithContext) })
	group.Go(func() error { return coordinator.Run(ctx, chelpers.SleepWithContext) })
	group.Go(func() error { return manager.Run(ctx, chelpers.SleepWithContext) })
	group.Go(func() error { return store.RunVerifier(ctx, chelpers.SleepWithContext) })
	group.Go(func() error {
		return runExporter(ctx, cfg.ExportInterval, coordinator, reg, monitor, sched, eco.ledger, disc)
	})
	group.Go(func() error {
		return runEconomy(ctx, eco, appCfg.Rewards, info.Operator, coordinator, sched, logger)
	})

	if gw, ok := local.(*node.Gateway); ok {
		group.Go(func() error { return serveGateway(ctx, cfg.HTTPAddr, gw, logger) })
	}

	return group.Wait()
}

// economy bundles the token engines the daemon drives on a cadence.
type economy struct {
	ledger    *ledger.Ledger
	rewards   *rewards.Engine
	staking   *staking.System
	treasury  *treasury.Treasury
	deflation *deflation.Engine
}

// buildEconomy assembles the token ledger and the engines on top of it:
// reward pools, staking, treasury and deflation. When a ClickHouse DSN is
// configured the ledger events and treasury transactions flow to the
// analytical sinks.
func buildEconomy(ctx context.Context, cfg config, appCfg appconfig.Config, logger *zap.Logger) (*economy, error) {
	ledgerOpts := []ledger.Option{}
	treasuryOpts := []treasury.Option{}
	if cfg.ClickhouseDSN != "" {
		repo, err := larchive.NewRepository(cfg.ClickhouseDSN, metrics.NewClickhouseRepository())
		if err != nil {
			return nil, fmt.Errorf("init analytical repository: %w", err)
		}
		archiver := larchive.NewArchiver(logger, repo, 1000, 5*time.Second, 10)
		archiver.Start(ctx)
		treasuryArchiver := larchive.NewTreasuryArchiver(logger, repo, 100, 5*time.Second, 10)
		treasuryArchiver.Start(ctx)
		ledgerOpts = append(ledgerOpts, ledger.WithEventSink(archiver))
		treasuryOpts = append(treasuryOpts, treasury.WithTransactionSink(treasuryArchiver))
	}

	led, err := ledger.New(logger, ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	stakes, err := staking.NewSystem(logger, led, appCfg.Staking)
	if err != nil {
		return nil, fmt.Errorf("init staking: %w", err)
	}
	funds, err := treasury.New(logger, led, stakes, ledger.CommunityReserve, appCfg.Treasury, treasuryOpts...)
	if err != nil {
		return nil, fmt.Errorf("init treasury: %w", err)
	}
	burner, err := deflation.NewEngine(logger, led, appCfg.Deflation)
	if err != nil {
		return nil, fmt.Errorf("init deflation engine: %w", err)
	}
	return &economy{
		ledger:    led,
		rewards:   rewards.NewEngine(logger, led, ledger.ArchivalRewardsAllocation, appCfg.Rewards),
		staking:   stakes,
		treasury:  funds,
		deflation: burner,
	}, nil
}

// runEconomy drives the reward, staking, deflation and treasury cycles on
// the distribution cadence. Engines with longer internal intervals (monthly
// staking rewards, position bonuses) gate themselves.
func runEconomy(
	ctx context.Context,
	eco *economy,
	cfg rewards.Config,
	operator model.PublicKey,
	coordinator *storage.Manager,
	sched *bandwidth.Scheduler,
	logger *zap.Logger,
) error {
	logger = logger.Named("economy")
	var cycle uint64
	var lastServed uint64
	for {
		if err := chelpers.SleepWithContext(ctx, cfg.DistributionFrequency); err != nil {
			return err
		}
		cycle++
		economyCycle(cycle, eco, cfg, operator, coordinator, sched, &lastServed, logger)
	}
}

// cycleRef derives a distinct transaction reference for each operation of
// one economy cycle.
func cycleRef(tag string, cycle uint64) model.Hash {
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], cycle)
	return crypto.ChecksumParts([]byte(tag), nonce[:])
}

// economyCycle settles one period: storage rewards for bytes held, bandwidth
// rewards for bytes served since the previous cycle, staking rewards,
// long-term position bonuses and the budget-expiry fail-safe.
func economyCycle(
	cycle uint64,
	eco *economy,
	cfg rewards.Config,
	operator model.PublicKey,
	coordinator *storage.Manager,
	sched *bandwidth.Scheduler,
	lastServed *uint64,
	logger *zap.Logger,
) {
	days := uint32(cfg.DistributionFrequency / (24 * time.Hour))
	if days == 0 {
		days = 1
	}
	if stored := coordinator.StatsSnapshot().BytesStored; stored > 0 {
		_, err := eco.rewards.DistributeStorage([]rewards.StorageContribution{{
			Provider:     operator,
			StoredBytes:  stored,
			Reliability:  1.0,
			DurationDays: days,
		}}, cycleRef("reward-storage", cycle))
		if err != nil {
			logger.Warn("storage reward cycle failed", zap.Error(err))
		}
	}

	bw := sched.StatsSnapshot().Metrics
	served := bw.TotalUploaded + bw.TotalDownloaded
	if delta := served - *lastServed; delta > 0 {
		_, err := eco.rewards.DistributeBandwidth([]rewards.BandwidthContribution{{
			Provider:    operator,
			BytesServed: delta,
			Performance: 1.0,
		}}, cycleRef("reward-bandwidth", cycle))
		if err != nil {
			logger.Warn("bandwidth reward cycle failed", zap.Error(err))
		}
	}
	*lastServed = served

	if _, err := eco.staking.DistributeRewards(cycleRef("staking-rewards", cycle)); err != nil {
		logger.Warn("staking reward cycle failed", zap.Error(err))
	}
	if _, err := eco.deflation.AccrueBonuses(cycleRef("position-bonuses", cycle)); err != nil {
		logger.Warn("position bonus accrual failed", zap.Error(err))
	}
	expired, err := eco.treasury.ExpireBudgets(treasury.ExpiryReturn)
	if err != nil {
		logger.Warn("budget expiry sweep failed", zap.Error(err))
	} else if expired > 0 {
		logger.Info("expired budgets returned to reserve", zap.Int("count", expired))
	}
}

// nodeFactory builds role-specific nodes over the shared fabric.
type nodeFactory struct {
	gateway node.GatewayConfig
	store   *storage.Manager
	forward node.ForwardFunc
	logger  *zap.Logger
}

func (f *nodeFactory) Build(role model.NodeRole, id model.Hash, operator model.PublicKey, region string) (node.Node, error) {
	switch role {
	case model.RoleFullArchive:
		nc := node.DefaultFullArchiveConfig()
		nc.Region = region
		return node.NewFullArchive(f.logger, id, operator, nc, f.store)
	case model.RoleLightStorage:
		nc := node.DefaultLightStorageConfig()
		nc.Region = region
		return node.NewLightStorage(f.logger, id, operator, nc, f.store)
	case model.RoleRelay:
		nc := node.DefaultRelayConfig()
		nc.Region = region
		return node.NewRelay(f.logger, id, operator, nc)
	case model.RoleGateway:
		nc := f.gateway
		nc.Region = region
		return node.NewGateway(f.logger, id, operator, nc, f.forward)
	default:
		return nil, fmt.Errorf("unknown node role %q", role)
	}
}

// httpForward carries gateway requests to a backend over plain HTTP.
func httpForward(client *http.Client) node.ForwardFunc {
	return func(ctx context.Context, backend node.Backend, req node.Request) (node.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, "http://"+backend.Address+req.Path, bytes.NewReader(req.Body))
		if err != nil {
			return node.Response{}, err
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return node.Response{}, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return node.Response{}, err
		}
		return node.Response{StatusCode: resp.StatusCode, Body: body, Backend: backend.ID}, nil
	}
}

// serveGateway exposes the gateway pipeline over HTTP until the context
// is canceled.
func serveGateway(ctx context.Context, addr string, gw *node.Gateway, logger *zap.Logger) error {
	collector := metrics.NewGateway()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		resp, err := gw.HandleHTTPRequest(r.Context(), node.Request{
			ClientIP: r.RemoteAddr,
			APIKey:   r.Header.Get("X-Api-Key"),
			Method:   r.Method,
			Path:     r.URL.Path,
			Body:     body,
		})
		collector.ObserveRequest(r.Method, resp.Cached, err, started)
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           cors.Default().Handler(mux),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown gateway server", zap.Error(err))
		}
	}()

	logger.Info("starting gateway server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func statusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.InvalidInput:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Unauthorized:
		return http.StatusForbidden
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.ServiceUnavailable:
		return http.StatusServiceUnavailable
	case errs.DeadlineExpired, errs.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// runExporter publishes subsystem snapshots on a fixed cadence.
func runExporter(
	ctx context.Context,
	interval time.Duration,
	coordinator *storage.Manager,
	reg *registry.Registry,
	monitor *health.Monitor,
	sched *bandwidth.Scheduler,
	led *ledger.Ledger,
	disc *discovery.Discovery,
) error {
	exporter := metrics.NewExporter()
	for {
		if err := chelpers.SleepWithContext(ctx, interval); err != nil {
			return err
		}
		exporter.ObserveStorage(coordinator.StatsSnapshot())
		exporter.ObserveRegistry(reg.StatsSnapshot())
		exporter.ObserveHealth(monitor.StatsSnapshot())
		exporter.ObserveScheduler(sched.StatsSnapshot())
		exporter.ObserveLedger(led.Statistics())
		exporter.ObserveDiscovery(disc.StatsSnapshot())
	}
}

func startMetricsServer(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}()
}
