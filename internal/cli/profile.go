package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/vmworkbench/internal/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect package profiles",
	Long: `Profiles are package bundles installed into the guest over the serial
console. Built-in profiles can be extended or overridden with profiles_file.

Apply a profile at boot with 'vmworkbench start --profile <id>'.`,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfileList,
}

var profileShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a profile as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileScriptCmd = &cobra.Command{
	Use:   "script <id>",
	Short: "Print the shell script a profile sends to the guest",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileScript,
}

var profileScriptRemove bool

func init() {
	profileScriptCmd.Flags().BoolVar(&profileScriptRemove, "remove", false, "print the removal script instead")
	profileCmd.AddCommand(profileListCmd, profileShowCmd, profileScriptCmd)
}

func loadProfiles() error {
	if file := currentConfig().ProfilesFile; file != "" {
		if _, err := profile.RegisterFile(file); err != nil {
			return err
		}
	}
	return nil
}

func lookupProfile(id string) (profile.Profile, error) {
	if err := loadProfiles(); err != nil {
		return profile.Profile{}, err
	}
	return profile.Get(id)
}

func runProfileList(cmd *cobra.Command, args []string) error {
	if err := loadProfiles(); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Name", "Packages", "Description"})
	for _, p := range profile.List() {
		t.AppendRow(table.Row{p.ID, p.Name, strings.Join(p.Packages, " "), p.Description})
	}
	t.Render()
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	p, err := lookupProfile(args[0])
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return enc.Close()
}

func runProfileScript(cmd *cobra.Command, args []string) error {
	p, err := lookupProfile(args[0])
	if err != nil {
		return err
	}
	script := profile.GenerateApplyScript(p)
	if profileScriptRemove {
		script = profile.GenerateRemoveScript(p)
	}
	fmt.Fprint(cmd.OutOrStdout(), script)
	return nil
}
