package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/config"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/database"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/fleet"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/logging"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/remote"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingSessionToken = errors.New("agent.token is required")

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device sync agent",
		Long: "Keeps the device action log flowing to the backend: probes connectivity, " +
			"replays queued writes on reconnect and on a backoff schedule, and refreshes the cached snapshot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().Duration("flush-interval", defaults.GetDuration("agent.flush_interval"), "Interval between queue flushes")
	cmd.Flags().Duration("probe-interval", defaults.GetDuration("agent.probe_interval"), "Interval between connectivity probes")
	cmd.Flags().Int("max-rejections", defaults.GetInt("agent.max_rejections"), "Rejections before a record is dead-lettered (0 retries forever)")
	cmd.Flags().String("metrics-address", defaults.GetString("agent.metrics_address"), "Listen address for /metrics (empty disables)")

	bindFlag(cmd, "agent.flush_interval", "flush-interval")
	bindFlag(cmd, "agent.probe_interval", "probe-interval")
	bindFlag(cmd, "agent.max_rejections", "max-rejections")
	bindFlag(cmd, "agent.metrics_address", "metrics-address")
	return cmd
}

// device is the client-side sync stack of one device.
type device struct {
	cfg       config.AgentConfig
	logger    *zap.Logger
	db        *gorm.DB
	log       *syncer.ActionLog
	client    *remote.Client
	monitor   *syncer.ConnectivityMonitor
	workspace *fleet.Workspace
	flusher   *syncer.Flusher
	claims    auth.SessionClaims
}

// openDevice opens the local store. withRemote also wires the remote client and
// the full sync stack, which requires a session token. Sync metrics are
// registered with registerer when it is not nil.
func openDevice(registerer prometheus.Registerer, withRemote bool) (*device, error) {
	cfg, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenLocal(cfg.StorePath, logger)
	if err != nil {
		return nil, err
	}
	store, err := localstore.New(db)
	if err != nil {
		return nil, err
	}
	actionLog, err := syncer.NewActionLog(store, logger)
	if err != nil {
		return nil, err
	}
	d := &device{cfg: cfg, logger: logger, db: db, log: actionLog}
	if !withRemote {
		return d, nil
	}

	if strings.TrimSpace(cfg.SessionToken) == "" {
		d.close()
		return nil, errMissingSessionToken
	}
	claims, err := auth.InspectToken(cfg.SessionToken)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("agent.token: %w", err)
	}
	d.claims = claims

	var syncMetrics *metrics.SyncMetrics
	if registerer != nil {
		if syncMetrics, err = metrics.NewSyncMetrics(registerer); err != nil {
			d.close()
			return nil, err
		}
	}

	d.client, err = remote.NewClient(remote.Config{
		BaseURL: cfg.BackendURL,
		Token:   func() string { return cfg.SessionToken },
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	executor, err := syncer.NewExecutor(d.client, logger)
	if err != nil {
		d.close()
		return nil, err
	}
	d.monitor = syncer.NewConnectivityMonitor(d.client.Ping, cfg.ProbeInterval, logger)
	notifier := syncer.LogNotifier{Logger: logger.Named("notices")}

	gate, err := syncer.NewGate(syncer.GateConfig{
		Log:          actionLog,
		Executor:     executor,
		Connectivity: d.monitor,
		Notifier:     notifier,
		Logger:       logger,
		Metrics:      syncMetrics,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	reconciler, err := syncer.NewReconciler(syncer.ReconcilerConfig{
		Gate:           gate,
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         logger,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	cache, err := syncer.NewSnapshotCache(store, logger)
	if err != nil {
		d.close()
		return nil, err
	}
	d.workspace, err = fleet.NewWorkspace(fleet.Config{
		Backend:    d.client,
		Gate:       gate,
		Reconciler: reconciler,
		Cache:      cache,
		UserID:     claims.UserID,
		Logger:     logger,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	d.flusher, err = syncer.NewFlusher(syncer.FlusherConfig{
		Log:              actionLog,
		Executor:         executor,
		Refresher:        d.workspace,
		ManagesUsers:     claims.ManagesUsers,
		Notifier:         notifier,
		Logger:           logger,
		Metrics:          syncMetrics,
		MaxRejections:    cfg.MaxRejections,
		MaxRetryInterval: cfg.MaxRetryInterval,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *device) close() {
	if sqlDB, err := d.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = d.logger.Sync()
}

func runAgent(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d, err := openDevice(registry, true)
	if err != nil {
		return err
	}
	defer d.close()
	logger := d.logger

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if found, err := d.workspace.LoadCached(); err != nil {
		logger.Warn("snapshot cache unavailable", zap.Error(err))
	} else if found {
		logger.Info("workspace restored from snapshot cache")
	}

	// Session start: flush whatever survived the last run, then make sure the
	// snapshot reflects the backend even when nothing was pending.
	if d.monitor.Check(signalCtx) {
		report := d.flusher.Flush(signalCtx)
		if !report.Refreshed {
			if err := d.workspace.Refresh(signalCtx, d.claims.ManagesUsers()); err != nil {
				logger.Warn("initial refresh failed", zap.Error(err))
			}
		}
	} else {
		logger.Info("backend unreachable; working offline", zap.String("backend_url", d.cfg.BackendURL))
	}
	d.monitor.OnOnline(func() {
		d.flusher.Flush(signalCtx)
	})

	var metricsServer *http.Server
	if d.cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		metricsServer = &http.Server{Addr: d.cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("agent metrics listening", zap.String("address", d.cfg.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("agent metrics server failed", zap.Error(err))
			}
		}()
	}

	go d.monitor.Run(signalCtx)
	logger.Info("agent started", zap.Duration("flush_interval", d.cfg.FlushInterval))
	d.flusher.Run(signalCtx, d.cfg.FlushInterval)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}
