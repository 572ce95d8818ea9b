package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/carlosprados/assetlink/internal/config"
	"github.com/carlosprados/assetlink/internal/ports"
	"github.com/carlosprados/assetlink/internal/runner"
	"github.com/carlosprados/assetlink/internal/version"
	"github.com/spf13/cobra"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Fetch the task reports of this process from the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sup, done, err := newSupervisor(cfg)
		if err != nil {
			return err
		}
		defer done()
		tasks, err := sup.Gateway().GetReports(cmd.Context(), cfg.APIKey)
		if err != nil {
			return err
		}
		return printJSON(tasks)
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List the candidate daemon ports in registry order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cfg.Ports)
		}
		for i, p := range cfg.Ports {
			mark := " "
			if i == 0 {
				mark = "*"
			}
			fmt.Printf("%s %d  %s\n", mark, p, ports.AddressOf(p))
		}
		return nil
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain <exit-code>",
	Short: "Explain a daemon exit code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid exit code %q", args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, _ := runner.Classify(runner.ExitStatus{Exited: true, Code: code}, runner.ExitContext{
			LogPath:  runner.LogPath(cfg.Daemon.Dir, cfg.Ports[0]),
			DepsPath: cfg.DepsPath(),
		})
		fmt.Println(d.Message)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialise the preferences file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.APIKey != "" {
			cfg.APIKey = "***"
		}
		return printJSON(cfg)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a preferences file with the defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Save(path, config.Defaults()); err != nil {
			return err
		}
		fmt.Println("Wrote", path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("assetlink", version.Current)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(reportsCmd, portsCmd, explainCmd, configCmd, versionCmd)
}
