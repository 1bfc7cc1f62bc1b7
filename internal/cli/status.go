package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show VM and state storage status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	if pid, ok := servePID(a.paths.DataDir); ok {
		fmt.Fprintf(out, "Serve:         running (PID %d)\n", pid)
	} else {
		fmt.Fprintln(out, "Serve:         not running")
	}
	fmt.Fprintf(out, "Distro:        %s\n", a.cfg.Distro)
	fmt.Fprintf(out, "CPUs:          %d\n", a.cfg.CPUs)
	fmt.Fprintf(out, "Memory:        %d MB\n", a.cfg.MemoryMB)

	rec, err := a.orch.Record()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Boots:         %d\n", rec.BootCount)
	fmt.Fprintf(out, "Last boot:     %s\n", formatTime(rec.LastBoot))
	if !rec.LastShutdown.IsZero() {
		clean := "clean"
		if !rec.CleanShutdown {
			clean = "unclean"
		}
		fmt.Fprintf(out, "Last shutdown: %s (%s)\n", formatTime(rec.LastShutdown), clean)
	}
	if rec.LastSnapshot != "" {
		fmt.Fprintf(out, "Last save:     %s at %s\n", rec.LastSnapshot, formatTime(rec.LastSnapshotAt))
	}
	if rec.LastRestore != "" {
		fmt.Fprintf(out, "Last restore:  %s\n", rec.LastRestore)
	}

	ctx := cmd.Context()
	ids, err := a.orch.ListStates(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved states:  %d\n", len(ids))
	q, err := a.orch.Quota(ctx)
	if err != nil {
		return err
	}
	printQuota(cmd, q)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
