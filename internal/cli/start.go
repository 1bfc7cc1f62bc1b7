package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmworkbench/internal/config"
	"github.com/javanstorm/vmworkbench/internal/profile"
	"github.com/javanstorm/vmworkbench/internal/terminal"
	"github.com/javanstorm/vmworkbench/internal/timing"
	"github.com/javanstorm/vmworkbench/internal/vm"
)

const stopTimeout = 30 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Boot the VM and attach this terminal",
	Long: `Boot the VM, or resume it from a saved state with --restore, and attach
this terminal to its serial console.

Press Ctrl+] twice to detach. With --save the state is saved before the VM
stops.`,
	RunE: runStart,
}

var (
	startState   string
	startRestore bool
	startSave    bool
	startProfile string
	startTiming  bool
)

func init() {
	startCmd.Flags().StringVar(&startState, "state", "", "state ID (default: default_state)")
	startCmd.Flags().BoolVar(&startRestore, "restore", false, "resume from the saved state if it exists")
	startCmd.Flags().BoolVar(&startSave, "save", false, "save the state when the console detaches")
	startCmd.Flags().StringVar(&startProfile, "profile", "", "apply a profile after boot")
	startCmd.Flags().BoolVar(&startTiming, "timing", false, "print startup phase timings")
}

func runStart(cmd *cobra.Command, args []string) error {
	if pid, ok := servePID(dataDir()); ok {
		return fmt.Errorf("vmworkbench serve is already running (PID %d); connect over SSH or run 'vmworkbench stop'", pid)
	}

	timer := timing.New()
	a, err := openVM(nil)
	if err != nil {
		return err
	}
	defer a.close()
	timer.Mark("prepare")

	var prof profile.Profile
	if startProfile != "" {
		if prof, err = profile.Get(startProfile); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	id := stateOrDefault(startState, a.cfg.DefaultState)
	if err := boot(ctx, a.orch, id, startRestore); err != nil {
		return err
	}
	timer.Mark("boot")
	logrus.WithFields(timer.Fields()).Debug("vm up")
	if startTiming {
		timer.Report(cmd.ErrOrStderr())
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		a.orch.Stop(stopCtx)
	}()

	if startProfile != "" {
		go func() {
			if err := a.orch.InstallProfile(ctx, prof); err != nil {
				logrus.WithError(err).WithField("profile", prof.ID).Warn("apply profile")
			}
		}()
	}

	err = terminal.Current().Attach(ctx, a.orch.Serial())
	switch {
	case errors.Is(err, terminal.ErrEscapeSequence), errors.Is(err, context.Canceled), err == nil:
	default:
		return err
	}

	if startSave {
		saveCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := a.orch.SaveState(saveCtx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "State saved as %q.\n", id)
	}
	return nil
}

// boot restores id when asked and the state exists, and cold boots
// otherwise.
func boot(ctx context.Context, orch *vm.Orchestrator, id string, restore bool) error {
	if restore {
		restored, err := orch.RestoreState(ctx, id)
		if err != nil {
			return err
		}
		if restored {
			return nil
		}
		logrus.WithField("id", id).Info("no saved state, booting fresh")
	}
	return orch.Start(ctx)
}

func stateOrDefault(id, def string) string {
	if id != "" {
		return id
	}
	return def
}

func dataDir() string {
	paths, err := config.GetPaths()
	if err != nil {
		return ""
	}
	return paths.DataDir
}
