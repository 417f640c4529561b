package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TickBook/internal/core"
	"TickBook/internal/ingestion"
	"TickBook/internal/keeper"
	"TickBook/internal/observability"
	"TickBook/internal/order"
	"TickBook/internal/persistence"
	"TickBook/internal/projection"
	"TickBook/internal/query"
	"TickBook/internal/server"
	"TickBook/internal/settlement"
	"TickBook/migrations"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.LUTC)
	log.Println("INFO: TickBook starting...")

	cfg, err := DefaultConfig()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}
	startTime := time.Now()

	// serveCtx stops the edges: servers, consumers, keeper, snapshots.
	// The engine and the workers behind it are stopped explicitly, in order.
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: open postgres: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(serveCtx, 10*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("FATAL: ping postgres: %v", err)
	}
	log.Println("INFO: connected to Postgres")

	var fsys fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		fsys = os.DirFS(cfg.MigrationsDir)
	}
	migrator := persistence.NewMigrator(db, fsys)
	applied, err := migrator.Up(serveCtx)
	if err != nil {
		log.Fatalf("FATAL: migrations: %v", err)
	}
	log.Printf("INFO: %d migrations applied", applied)

	// --- Snapshot store ---

	snapMgr := persistence.NewSnapshotManager(db)
	var snapStore persistence.SnapshotStore = snapMgr
	if cfg.SnapshotDir != "" {
		pebbleStore, err := persistence.OpenPebbleSnapshotStore(cfg.SnapshotDir, cfg.SnapshotRetain)
		if err != nil {
			log.Fatalf("FATAL: open snapshot store: %v", err)
		}
		defer pebbleStore.Close()
		snapStore = pebbleStore
		log.Printf("INFO: snapshots stored in %s", cfg.SnapshotDir)
	}

	snap, err := snapStore.LoadLatestSnapshot(serveCtx)
	if err != nil {
		log.Fatalf("FATAL: load snapshot: %v", err)
	}

	// --- Channels ---

	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)
	ingestChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	})

	// --- Persistence (started first: pool setup below already emits) ---

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	persistWorker := persistence.NewPersistenceWorker(
		db, persistChan, cfg.PersistBatchSize,
		time.Duration(cfg.PersistFlushMs)*time.Millisecond, metrics,
	)
	persistWorker.ForwardDurable(publishChan)
	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(workerCtx) }()

	// --- Engine ---

	amm := settlement.NewMemoryCore(settlement.WithSwapFunding())

	engineCfg := core.DefaultConfig()
	engineCfg.Owner = cfg.Owner
	engineCfg.Self = cfg.Self
	engineCfg.Treasury = cfg.Treasury
	engineCfg.TreasuryFeeBps = uint16(cfg.TreasuryFeeBps)
	engineCfg.MaxExecutionsPerTrade = cfg.MaxExecutionsPerTrade
	engineCfg.MaxScaleOrders = cfg.MaxScaleOrders
	if cfg.Keeper != (common.Address{}) {
		engineCfg.Keepers = append(engineCfg.Keepers, cfg.Keeper)
	}

	eng := core.NewEngine(engineCfg, amm, persistChan, projectionChan, metrics)
	if snap != nil {
		if err := eng.Restore(snap); err != nil {
			log.Fatalf("FATAL: restore snapshot: %v", err)
		}
		log.Printf("INFO: restored snapshot (next sequence %d, %d pools)", snap.NextSequence, len(snap.Pools))
	} else {
		log.Println("INFO: no snapshot found, cold start")
	}

	if err := setupPools(eng, amm, cfg.Pools); err != nil {
		log.Fatalf("FATAL: pool setup: %v", err)
	}

	seq := core.NewSequencer(eng, cfg.SequencerBuffer, metrics)
	seqDone := make(chan error, 1)
	go func() { seqDone <- seq.Run(engineCtx) }()

	// Swaps run on the sequencer, so the hook calls the engine in place.
	hook := core.NewTradeHook(eng, cfg.HookTimeout, observability.NewLogger("hook"))
	for _, key := range amm.Pools() {
		amm.SetHook(key.ID(), hook)
	}

	swapLog := persistence.NewPostgresIdempotencyChecker(db)
	dedup := core.NewIdempotencyChecker(cfg.IdempotencyLRUSize, swapLog, metrics)
	feed := core.NewFeedProcessor(seq, amm, dedup, swapLog, metrics, observability.NewLogger("feed"))
	if snap != nil {
		feed.Restore(snap)
	}

	takeSnapshot := func(ctx context.Context) (*core.SnapshotState, error) {
		start := time.Now()
		s, err := feed.Checkpoint(ctx, seq)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		if err := snapStore.SaveSnapshot(ctx, s); err != nil {
			return nil, fmt.Errorf("save snapshot: %w", err)
		}
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(s.NextSequence - 1))
		return s, nil
	}

	// --- NATS ---

	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func() error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(serveCtx, js); err != nil {
		log.Fatalf("FATAL: ensure streams: %v", err)
	}

	var sink ingestion.Sink
	switch cfg.OutboundSink {
	case "kafka":
		sink = ingestion.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		log.Printf("INFO: publishing outbound events to Kafka topic %s", cfg.KafkaTopic)
	default:
		if err := ingestion.EnsureOutboundStream(serveCtx, js); err != nil {
			log.Fatalf("FATAL: ensure outbound stream: %v", err)
		}
		sink = ingestion.NewNATSSink(js)
	}
	defer sink.Close()

	subscriber := ingestion.NewNATSSubscriber(js, ingestChan)
	if err := subscriber.Subscribe(serveCtx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: subscribe: %v", err)
	}

	// --- Services ---

	queryService := query.NewQueryService(db)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, server.ServerDeps{
		Sequencer:     seq,
		Ingest:        ingestion.NewGRPCIngestService(feed),
		QueryService:  queryService,
		DB:            db,
		SnapshotMgr:   snapMgr,
		TakeSnapshot:  takeSnapshot,
		StartTime:     startTime,
		HealthChecker: healthChecker,
		Metrics:       metrics,
	})

	// --- Goroutines ---

	errChan := make(chan error, 10)
	report := func(name string, err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("%s: %w", name, err)
		}
	}

	projectionWorker := projection.NewProjectionWorker(db, projectionChan)
	projectionDone := make(chan error, 1)
	go func() { projectionDone <- projectionWorker.Run(workerCtx) }()

	publisher := ingestion.NewOutboundPublisher(sink, publishChan, metrics)
	publisherDone := make(chan error, 1)
	go func() { publisherDone <- publisher.Run(workerCtx) }()

	consumer := ingestion.NewSwapConsumer(feed, ingestChan, "nats", metrics)
	go func() { report("swap consumer", consumer.Run(serveCtx)) }()

	if cfg.Keeper != (common.Address{}) {
		runner := keeper.NewRunner(seq, cfg.Keeper, cfg.KeeperInterval, cfg.KeeperBatchSize, metrics)
		go func() { report("keeper", runner.Run(serveCtx)) }()
		log.Printf("INFO: keeper runner started as %s", cfg.Keeper.Hex())
	}

	go func() { report("grpc server", grpcServer.StartGRPC(serveCtx)) }()
	go func() { report("http gateway", grpcServer.StartHTTPGateway(serveCtx)) }()
	go runPeriodicSnapshots(serveCtx, seq, takeSnapshot, cfg.SnapshotInterval)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("INFO: metrics server listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			report("metrics server", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Println("INFO: TickBook ready")

	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %v, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: component failed: %v, shutting down...", err)
	}

	// --- Shutdown ---

	healthChecker.SetReady(false)
	subscriber.Stop()
	stopServing()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	metricsServer.Shutdown(shutdownCtx)

	// The checkpoint runs on the sequencer, so take it before stopping it.
	final, err := feed.Checkpoint(shutdownCtx, seq)
	if err != nil {
		log.Printf("ERROR: final checkpoint: %v", err)
	}

	stopEngine()
	<-seqDone
	close(persistChan)
	close(projectionChan)

	// The snapshot verifies against the event it covers, so it is saved
	// only once persistence has flushed.
	if err := <-persistDone; err != nil {
		log.Printf("ERROR: persistence worker: %v", err)
	}
	if final != nil {
		if err := snapStore.SaveSnapshot(shutdownCtx, final); err != nil {
			log.Printf("ERROR: final snapshot: %v", err)
		} else {
			log.Printf("INFO: final snapshot saved (next sequence %d)", final.NextSequence)
		}
	}

	close(publishChan)
	<-publisherDone
	<-projectionDone
	stopWorkers()

	log.Println("INFO: TickBook stopped")
}

// setupPools initializes configured pools missing from the AMM and allows
// those the engine does not know yet. Runs before the sequencer starts.
func setupPools(eng *core.Engine, amm *settlement.MemoryCore, pools []PoolConfig) error {
	known := make(map[order.PoolID]bool)
	for _, p := range eng.Pools() {
		known[p.ID] = true
	}
	owner := eng.Config().Owner
	for _, p := range pools {
		id := p.Key.ID()
		if _, ok := amm.PoolKey(id); !ok {
			if err := amm.Initialize(p.Key, p.Tick); err != nil {
				return fmt.Errorf("initialize %s: %w", id, err)
			}
			log.Printf("INFO: initialized pool %s at tick %d", id, p.Tick)
		}
		if known[id] {
			continue
		}
		if err := eng.AllowPool(owner, p.Key); err != nil {
			return fmt.Errorf("allow %s: %w", id, err)
		}
		log.Printf("INFO: allowed pool %s", id)
	}
	return nil
}

// runPeriodicSnapshots snapshots on every interval in which the engine
// emitted at least one output.
func runPeriodicSnapshots(
	ctx context.Context,
	seq *core.Sequencer,
	takeSnapshot func(context.Context) (*core.SnapshotState, error),
	interval time.Duration,
) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSeq := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var current int64
			if err := seq.Do(ctx, func(e *core.Engine) error {
				current = e.Sequence()
				return nil
			}); err != nil {
				continue
			}
			if current == lastSeq {
				continue
			}
			if _, err := takeSnapshot(ctx); err != nil {
				log.Printf("WARN: periodic snapshot failed: %v", err)
				continue
			}
			lastSeq = current
			log.Printf("INFO: periodic snapshot at sequence %d", current)
		}
	}
}
