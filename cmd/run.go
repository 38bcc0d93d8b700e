package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/conductor/internal/conductor"
	"github.com/metal-toolbox/conductor/internal/config"
	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/driver/bmc"
	"github.com/metal-toolbox/conductor/internal/driver/fake"
	"github.com/metal-toolbox/conductor/internal/driver/iboot"
	"github.com/metal-toolbox/conductor/internal/listener"
	"github.com/metal-toolbox/conductor/internal/lock"
	"github.com/metal-toolbox/conductor/internal/log"
	"github.com/metal-toolbox/conductor/internal/metrics"
	"github.com/metal-toolbox/conductor/internal/model"
	"github.com/metal-toolbox/conductor/internal/oob"
	"github.com/metal-toolbox/conductor/internal/profiling"
	"github.com/metal-toolbox/conductor/internal/store"
	"github.com/metal-toolbox/conductor/internal/store/fleetdb"
	"github.com/metal-toolbox/conductor/internal/version"
)

func runWorker(ctx context.Context, args *model.Args) error {
	cfg, err := config.Load(args)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	slog.Info("Configuration loaded", cfg.AsLogFields()...)

	log.SetLevel(cfg.LogLevel)

	// serve metrics endpoint
	metrics.ListenAndServe()
	version.ExportBuildInfoMetric()

	if cfg.EnableProfiling {
		profiling.Enable()
	}

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	defer otelShutdown(ctx)

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(ctx)

	// Cancel the context when we receive a termination signal.
	go func() {
		s := <-termChan
		slog.Info("Received signal for termination, exiting...", "signal", s.String())
		cancel()
	}()

	logger := logrus.NewEntry(log.NewLogrusLogger(cfg.LogLevel))

	registry := driver.NewRegistry(logger)
	if err := registerDrivers(registry, cfg.Dryrun); err != nil {
		slog.Error("Failed to register drivers", "error", err)
		return err
	}

	js, err := connectJetStream(cfg.Endpoints.Nats)
	if err != nil {
		slog.Error("Failed to connect to NATS JetStream", "error", err)
		return err
	}

	journalBucket, err := bindBucket(js, cfg.Endpoints.Nats.JournalBucket, cfg.Endpoints.Nats.KVReplicas)
	if err != nil {
		slog.Error("Failed to bind the journal bucket", "error", err)
		return err
	}

	journal := store.NewKVJournal(journalBucket)

	repository, err := newRepository(ctx, cfg, journal, logger)
	if err != nil {
		slog.Error("Failed to create the node repository", "error", err)
		return err
	}

	locks, err := newLockManager(js, cfg, logger)
	if err != nil {
		slog.Error("Failed to create the lock manager", "error", err)
		return err
	}

	core := conductor.New(&conductor.Params{
		Logger:     slog.Default(),
		Registry:   registry,
		Locks:      locks,
		Repository: repository,
		Journal:    journal,
		Executor: oob.NewExecutor(oob.Policy{
			CallTimeout:   cfg.Executor.CallTimeout,
			MaxAttempts:   cfg.Executor.MaxAttempts,
			RetryDelay:    cfg.Executor.RetryDelay,
			RetryMaxDelay: cfg.Executor.RetryMaxDelay,
		}, logger),
		Tasks: cfg.Tasks,
	})
	defer core.Stop()

	if !cfg.PowerSync.Disable {
		go core.RunPowerSync(ctx, cfg.PowerSync)
	}

	ln, err := listener.New(ctx, cfg, logger, core)
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		return err
	}

	slog.With(version.Current()).Info("conductor worker running")

	if err := ln.Listen(ctx); err != nil {
		slog.Error("Failed to listen for conditions", "error", err)
		return err
	}

	return nil
}

// registerDrivers declares the production driver set. Dryrun swaps the
// simulated driver in under every production name while keeping each
// driver's declared capability set, so capability gating behaves the
// same as against real hardware.
func registerDrivers(registry *driver.Registry, dryrun bool) error {
	registrations := []driver.Registration{
		bmc.IPMIRegistration(),
		bmc.RedfishRegistration(),
		iboot.Registration(),
		fake.Registration(),
	}

	if dryrun {
		simulated := fake.New()
		for i := range registrations {
			registrations[i].New = func(_ *logrus.Entry) (driver.Driver, error) {
				return simulated, nil
			}
		}
	}

	for _, registration := range registrations {
		if err := registry.Register(registration); err != nil {
			return err
		}
	}

	return nil
}

func connectJetStream(cfg *config.NatsConfig) (nats.JetStreamContext, error) {
	opts := []nats.Option{
		nats.Name(model.AppName),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to nats")
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, errors.Wrap(err, "opening a jetstream context")
	}

	return js, nil
}

// bindBucket opens a KV bucket, creating it on first use.
func bindBucket(js nats.JetStreamContext, name string, replicas int) (nats.KeyValue, error) {
	bucket, err := js.KeyValue(name)
	if err == nil {
		return bucket, nil
	}

	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, errors.Wrap(err, "binding KV bucket "+name)
	}

	bucket, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:   name,
		Replicas: replicas,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating KV bucket "+name)
	}

	return bucket, nil
}

func newRepository(ctx context.Context, cfg *config.Configuration, journal *store.KVJournal, logger *logrus.Entry) (store.Repository, error) {
	switch cfg.Store {
	case model.StoreKindFleetDB:
		inventory, err := fleetdb.New(ctx, cfg.Endpoints.FleetDB, cfg.FacilityCode, logger)
		if err != nil {
			return nil, err
		}

		// fleetdb knows what a node is, the journal knows what the
		// conductor last did to it
		return store.NewLayered(inventory, journal), nil
	default:
		// the memory store starts empty, it serves development runs
		// that exercise the listener without inventory behind it
		return store.NewLayered(store.NewInmem(), journal), nil
	}
}

func newLockManager(js nats.JetStreamContext, cfg *config.Configuration, logger *logrus.Entry) (lock.Manager, error) {
	if cfg.Locks != model.LockKindNats {
		return lock.NewTable(logger), nil
	}

	bucket, err := bindBucket(js, cfg.Endpoints.Nats.LockBucket, cfg.Endpoints.Nats.KVReplicas)
	if err != nil {
		return nil, err
	}

	return lock.NewKVLock(bucket, logger), nil
}
