package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running vmworkbench serve",
	Long: `Send SIGTERM to the running serve process. It saves the state first
when save_on_exit is set.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

var stopWait time.Duration

func init() {
	stopCmd.Flags().DurationVar(&stopWait, "wait", stopTimeout, "how long to wait for the process to exit (0 to not wait)")
}

func runStop(cmd *cobra.Command, args []string) error {
	dir := dataDir()
	pid, ok := servePID(dir)
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "vmworkbench serve is not running.")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to PID %d.\n", pid)

	if stopWait <= 0 {
		return nil
	}
	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if _, running := servePID(dir); !running {
			fmt.Fprintln(cmd.OutOrStdout(), "Stopped.")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("process %d still running after %s", pid, stopWait)
}
