package control

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"seqasr/internal/service"

	"github.com/spf13/cobra"
)

// NewServiceCmd manages a user-level launchd/systemd unit for a job.
func NewServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage a launchd/systemd unit that keeps a job running",
	}
	cmd.AddCommand(newServiceInstallCmd())
	cmd.AddCommand(newServiceUninstallCmd())
	cmd.AddCommand(newServiceStatusCmd())
	return cmd
}

func newServiceInstallCmd() *cobra.Command {
	var envs []string
	var job string
	cmd := &cobra.Command{
		Use:   "install" + hparamsUse,
		Short: "Write the unit file for this experiment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadArgs(args)
			if err != nil {
				return err
			}
			bin, err := os.Executable()
			if err != nil {
				return err
			}
			hp, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			envMap := map[string]string{}
			for _, kv := range envs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("--env expects KEY=VALUE, got %q", kv)
				}
				envMap[k] = v
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			params := service.Params{
				Label:  service.Label(cfg.Paths.OutputFolder),
				Binary: bin,
				Args:   append([]string{"serve", job, hp}, args[1:]...),
				Log:    filepath.Join(cfg.Paths.OutputFolder, "service.log"),
				Env:    envMap,
			}
			path, err := service.Write(service.Native(), home, params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (label %s)\n", path, params.Label)
			if service.Native() == service.Launchd {
				fmt.Fprintf(cmd.OutOrStdout(), "load with: launchctl load -w %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "enable with: systemctl --user enable --now %s.service\n", params.Label)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&envs, "env", nil, "environment for the job (KEY=VALUE, repeatable)")
	cmd.Flags().StringVar(&job, "job", "train", "job to run: train, evaluate or prepare")
	return cmd
}

func newServiceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall" + hparamsUse,
		Short: "Remove the unit file for this experiment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadArgs(args)
			if err != nil {
				return err
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			label := service.Label(cfg.Paths.OutputFolder)
			path, err := service.Remove(service.Native(), home, label)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s (stop the %s unit first if it is loaded)\n", path, label)
			return nil
		},
	}
}

func newServiceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status" + hparamsUse,
		Short: "Show whether the unit file exists",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadArgs(args)
			if err != nil {
				return err
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path, ok := service.Status(service.Native(), home, service.Label(cfg.Paths.OutputFolder))
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "installed: %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "not installed (expected at %s)\n", path)
			}
			return nil
		},
	}
}
