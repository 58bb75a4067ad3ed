package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/tessera/internal/audit"
	"github.com/fentz26/tessera/internal/config"
	"github.com/fentz26/tessera/internal/controlplane"
	"github.com/fentz26/tessera/internal/executor"
	"github.com/fentz26/tessera/internal/executor/localexec"
	"github.com/fentz26/tessera/internal/scheduler"
	"github.com/fentz26/tessera/internal/store"
)

const shutdownTimeout = 30 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Tessera daemon",
	Long:  `Starts the scheduler, the local executor pool and the HTTP API.`,
	RunE:  runDaemon,
}

// daemonFlags maps daemon flags onto config keys.
var daemonFlags = map[string]string{
	"listen": "server.listen",
	"db":     "store.path",
	"slots":  "executor.slots",
}

func init() {
	daemonCmd.Flags().String("listen", "127.0.0.1:7466", "Listen address for the API server")
	daemonCmd.Flags().String("db", "", "Path to SQLite database (default $HOME/.tessera/tessera.db)")
	daemonCmd.Flags().Int("slots", 4, "Number of local executor slots")
}

func loadDaemonConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	for flag, key := range daemonFlags {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, errors.Wrapf(err, "binding --%s", flag)
		}
	}
	return config.Load(v, configFile)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Logging.Apply(); err != nil {
		return err
	}
	log.Info("Starting Tessera daemon...")

	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	runner := localexec.New(cfg.Executor.WorkDir, cfg.Executor.AllowedCommands)
	pool := executor.NewPool(runner, cfg.Executor.Slots)

	sched, err := scheduler.New(cfg.Scheduler, pool,
		scheduler.WithStatusListener(s),
		scheduler.WithDecisionRecorder(audit.NewDecisionWriter(s)),
		scheduler.WithRegisterer(reg),
		scheduler.WithAcquireBackoff(cfg.Executor.AcquireBackoff),
	)
	if err != nil {
		s.Close()
		return err
	}
	if err := sched.Init(); err != nil {
		s.Close()
		return err
	}
	log.WithFields(log.Fields{
		"runner":  runner.Name(),
		"slots":   pool.Size(),
		"workDir": cfg.Executor.WorkDir,
	}).Info("executor pool ready")

	service := controlplane.NewService(sched, s, version)
	if err := service.Recover(cmd.Context()); err != nil {
		log.WithError(err).Warn("job recovery incomplete")
	}
	server := controlplane.NewServer(service, cfg.Server.Listen, reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Initiating graceful shutdown...")
		return shutdown(server, sched, s)
	})

	err = g.Wait()
	log.Info("Shutdown complete")
	return err
}

// shutdown stops the API first so no job is admitted while the scheduler
// drains, then closes the store. Jobs still running at the deadline are
// cancelled by the scheduler before the store goes away.
func shutdown(server *controlplane.Server, sched *scheduler.Scheduler, s *store.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if err := server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "http server"))
	}

	unscheduled, err := sched.Shutdown(ctx)
	if err != nil {
		result = multierror.Append(result, errors.Wrap(err, "scheduler"))
	}
	if len(unscheduled) > 0 {
		log.WithField("jobs", len(unscheduled)).Warn("queued jobs will be re-admitted on next start")
	}

	if err := s.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "store"))
	}
	return result.ErrorOrNil()
}
