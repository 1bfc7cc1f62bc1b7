package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/javanstorm/vmworkbench/internal/metrics"
	"github.com/javanstorm/vmworkbench/internal/sshconsole"
	"github.com/javanstorm/vmworkbench/internal/timing"
	"github.com/javanstorm/vmworkbench/internal/vm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the VM headless with an SSH console",
	Long: `Run the VM in the foreground without a local console. The serial console
is served over SSH (ssh.listen) and metrics over HTTP (metrics.listen).

The saved state is resumed unless --fresh is given. With autosave_interval
set the state is saved periodically, and with save_on_exit it is saved on
SIGINT or SIGTERM before the VM stops.`,
	RunE: runServe,
}

var (
	serveState string
	serveFresh bool
)

func init() {
	serveCmd.Flags().StringVar(&serveState, "state", "", "state ID (default: default_state)")
	serveCmd.Flags().BoolVar(&serveFresh, "fresh", false, "boot fresh instead of resuming the saved state")
	serveCmd.Flags().String("ssh-listen", "", "SSH console address (overrides ssh.listen)")
	serveCmd.Flags().String("metrics-listen", "", "metrics address (overrides metrics.listen)")
	serveCmd.Flags().Duration("autosave-interval", 0, "autosave period (overrides autosave_interval)")
	_ = viper.BindPFlag("ssh.listen", serveCmd.Flags().Lookup("ssh-listen"))
	_ = viper.BindPFlag("metrics.listen", serveCmd.Flags().Lookup("metrics-listen"))
	_ = viper.BindPFlag("autosave_interval", serveCmd.Flags().Lookup("autosave-interval"))
}

func runServe(cmd *cobra.Command, args []string) error {
	timer := timing.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	a, err := openVM(collector)
	if err != nil {
		return err
	}
	defer a.close()

	if pid, ok := servePID(a.paths.DataDir); ok {
		return fmt.Errorf("vmworkbench serve is already running (PID %d)", pid)
	}
	if err := writePIDFile(a.paths.DataDir); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer cleanupPIDFile(a.paths.DataDir)
	timer.Mark("prepare")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	id := stateOrDefault(serveState, a.cfg.DefaultState)
	if err := boot(ctx, a.orch, id, !serveFresh); err != nil {
		return err
	}
	timer.Mark("boot")
	logrus.WithFields(timer.Fields()).Info("vm up")

	// End serving when the engine goes away on its own.
	engineGone := make(chan vm.Status, 1)
	unwatch := a.orch.Watch(func(s vm.Status) {
		if s == vm.StatusStopped || s == vm.StatusError {
			select {
			case engineGone <- s:
			default:
			}
		}
	})
	defer unwatch()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.SSH.Listen != "" {
		srv, err := sshconsole.New(sshconsole.Options{
			HostKeyPath:        a.cfg.SSH.HostKey,
			AuthorizedKeysPath: a.cfg.SSH.AuthorizedKeys,
		}, a.orch.Serial())
		if err != nil {
			a.shutdown(false, id)
			return err
		}
		g.Go(func() error { return srv.ListenAndServe(gctx, a.cfg.SSH.Listen) })
	}

	if a.cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(gctx, a.cfg.Metrics.Listen, reg) })
	}

	if a.cfg.AutosaveInterval > 0 {
		sched, err := newAutosave(a.orch, id, a.cfg.AutosaveInterval)
		if err != nil {
			a.shutdown(false, id)
			return err
		}
		sched.Start()
		defer func() {
			if err := sched.Shutdown(); err != nil {
				logrus.WithError(err).Warn("stop autosave scheduler")
			}
		}()
	}

	logrus.WithFields(logrus.Fields{"state": id, "ssh": a.cfg.SSH.Listen, "metrics": a.cfg.Metrics.Listen}).Info("serving")

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case s := <-engineGone:
			if err := a.orch.LastError(); err != nil {
				return fmt.Errorf("engine %s: %w", s, err)
			}
			return fmt.Errorf("engine %s", s)
		}
	})
	servErr := g.Wait()

	a.shutdown(a.cfg.SaveOnExit, id)
	if errors.Is(servErr, context.Canceled) {
		return nil
	}
	return servErr
}

// shutdown optionally saves id, then stops the VM.
func (a *app) shutdown(save bool, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if save && a.orch.Status() == vm.StatusRunning {
		if err := a.orch.SaveState(ctx, id); err != nil {
			logrus.WithError(err).Warn("save state on exit")
		}
	}
	if err := a.orch.Stop(ctx); err != nil {
		logrus.WithError(err).Warn("stop vm")
	}
}

// newAutosave schedules periodic saves of id.
func newAutosave(orch *vm.Orchestrator, id string, interval time.Duration) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create autosave scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { autosave(orch, id, interval) }),
		gocron.WithName("autosave-"+id),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		s.Shutdown()
		return nil, fmt.Errorf("failed to create autosave job: %w", err)
	}
	return s, nil
}

func autosave(orch *vm.Orchestrator, id string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := orch.SaveState(ctx, id)
	switch {
	case err == nil:
		logrus.WithField("id", id).Debug("autosaved")
	case errors.Is(err, vm.ErrBusy), errors.Is(err, vm.ErrNotRunning):
		logrus.WithError(err).Debug("autosave skipped")
	default:
		logrus.WithError(err).Warn("autosave failed")
	}
}

func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logrus.WithField("addr", addr).Info("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
