package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmworkbench/internal/storage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage saved VM states",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved states",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show details of a saved state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStateShow,
}

var stateDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateDelete,
}

var stateQuotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show state storage usage",
	Args:  cobra.NoArgs,
	RunE:  runStateQuota,
}

func init() {
	stateCmd.AddCommand(stateListCmd, stateShowCmd, stateDeleteCmd, stateQuotaCmd)
}

func runStateList(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	ids, err := a.orch.ListStates(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No saved states.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Size", "Stored", "Codec", "Encrypted", "Created"})
	for _, id := range ids {
		info, err := a.orch.StateInfo(ctx, id)
		if err != nil {
			t.AppendRow(table.Row{id, "-", "-", "-", "-", err.Error()})
			continue
		}
		t.AppendRow(table.Row{
			id,
			storage.FormatBytes(info.Size),
			storage.FormatBytes(info.StoredSize),
			info.Compression,
			yesNo(info.Encrypted),
			info.CreatedAt.Local().Format(time.DateTime),
		})
	}
	t.Render()
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close()

	id := a.cfg.DefaultState
	if len(args) == 1 {
		id = args[0]
	}
	info, err := a.orch.StateInfo(cmd.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no saved state %q", id)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %s\n", info.ID)
	fmt.Fprintf(out, "Path:        %s\n", info.Path)
	fmt.Fprintf(out, "Created:     %s\n", info.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Size:        %s\n", storage.FormatBytes(info.Size))
	fmt.Fprintf(out, "Stored:      %s\n", storage.FormatBytes(info.StoredSize))
	fmt.Fprintf(out, "Compression: %s\n", info.Compression)
	fmt.Fprintf(out, "Encrypted:   %s\n", yesNo(info.Encrypted))
	fmt.Fprintf(out, "BLAKE3:      %s\n", hex.EncodeToString(info.Digest))
	return nil
}

func runStateDelete(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close()

	existed, err := a.orch.DeleteState(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !existed {
		fmt.Fprintf(cmd.OutOrStdout(), "No saved state %q.\n", args[0])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted state %q.\n", args[0])
	return nil
}

func runStateQuota(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close()

	q, err := a.orch.Quota(cmd.Context())
	if err != nil {
		return err
	}
	printQuota(cmd, q)
	return nil
}

func printQuota(cmd *cobra.Command, q storage.Quota) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Used:      %s\n", storage.FormatBytes(q.UsageBytes))
	fmt.Fprintf(out, "Quota:     %s\n", storage.FormatBytes(q.QuotaBytes))
	fmt.Fprintf(out, "Available: %s\n", storage.FormatBytes(q.Available()))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
