package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlosprados/assetlink/internal/agent"
	"github.com/carlosprados/assetlink/internal/state"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	waitTimeout time.Duration
	keepDaemon  bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Adopt a running daemon or start a new one and wait until it answers",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the daemon to exit and stop its process",
	RunE:  runStop,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check once whether the daemon answers on its current port",
	RunE:  runProbe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded daemon, its liveness and exit diagnosis",
	RunE:  runStatus,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the daemon supervised and serve the local status API",
	Long: `Run adopts or starts the daemon, polls it every poll interval to follow
remote connectivity and detect exits, and serves /healthz, /metrics and
/v1/daemon on the configured listen address until interrupted.`,
	RunE: runRun,
}

func init() {
	startCmd.Flags().DurationVar(&waitTimeout, "wait", 15*time.Second, "how long to wait for the daemon to answer")
	runCmd.Flags().BoolVar(&keepDaemon, "keep-daemon", false, "leave the daemon running on exit")
	rootCmd.AddCommand(startCmd, stopCmd, probeCmd, statusCmd, runCmd)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sup, done, err := newSupervisor(cfg)
	if err != nil {
		return err
	}
	defer done()

	ctx := cmd.Context()
	h, err := sup.EnsureRunning(ctx)
	if err != nil {
		return err
	}
	res, err := sup.WaitAlive(ctx, waitTimeout)
	if err != nil {
		if d, exited := sup.CheckExit(); exited {
			return fmt.Errorf("daemon exited with code %d: %s", d.Code, d.Message)
		}
		return fmt.Errorf("daemon did not answer within %s: %s", waitTimeout, res.Message)
	}
	if asJSON {
		return printJSON(map[string]any{"pid": h.PID, "port": h.Port, "log": h.LogPath, "adopted": h.Adopted()})
	}
	fmt.Printf("Daemon running on %s (PID %d), log: %s\n", sup.Registry().Address(), h.PID, h.LogPath)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sup, done, err := newSupervisor(cfg)
	if err != nil {
		return err
	}
	defer done()

	ctx := cmd.Context()
	ok, err := sup.Adopt(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// Not ours, or not recorded: still ask whatever listens to exit.
		if err := sup.Gateway().Shutdown(ctx); err != nil {
			fmt.Println("No daemon running")
			return nil
		}
		fmt.Println("Shutdown requested")
		return nil
	}
	if err := sup.Shutdown(ctx); err != nil {
		return err
	}
	fmt.Println("Daemon stopped")
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sup, done, err := newSupervisor(cfg)
	if err != nil {
		return err
	}
	defer done()

	res, err := sup.Probe(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(map[string]any{"address": sup.Registry().Address(), "status": res.Status.String(), "code": res.Code, "message": res.Message})
	}
	fmt.Println(res.Message)
	if !res.Alive() {
		done()
		os.Exit(1)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snap, err := state.Load(cfg.StateDir())
	if err != nil {
		return err
	}
	sup, done, err := newSupervisor(cfg)
	if err != nil {
		return err
	}
	defer done()

	adopted, err := sup.Adopt(cmd.Context())
	if err != nil {
		return err
	}
	res, err := sup.Probe(cmd.Context())
	if err != nil {
		return err
	}
	out := map[string]any{
		"recorded_pid": snap.PID,
		"adopted":      adopted,
		"address":      sup.Registry().Address(),
		"ports":        sup.Registry().Ports(),
		"probe":        res.Message,
		"version":      sup.Version(),
		"system_id":    cfg.SystemID,
	}
	if asJSON {
		return printJSON(out)
	}
	fmt.Printf("Address:   %s\n", out["address"])
	fmt.Printf("Ports:     %v\n", out["ports"])
	if snap.Empty() {
		fmt.Println("Daemon:    none recorded")
	} else {
		fmt.Printf("Daemon:    PID %d started %s (adopted: %v)\n", snap.PID, snap.StartedAt.Format(time.RFC3339), adopted)
		fmt.Printf("Log:       %s\n", snap.LogPath)
	}
	fmt.Printf("Probe:     %s\n", res.Message)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	interval, err := cfg.PollInterval()
	if err != nil {
		return err
	}
	sup, done, err := newSupervisor(cfg)
	if err != nil {
		return err
	}
	defer done()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(sup, agent.Options{HTTPAddr: cfg.Agent.Listen, PollInterval: interval, AutoStart: true})
	errCh := make(chan error, 2)
	go func() { errCh <- a.Serve(ctx) }()
	go func() { errCh <- a.Run(ctx) }()

	log.Info().Str("component", "cli").Str("address", sup.Registry().Address()).Str("api", cfg.Agent.Listen).Msg("assetlink running")
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Str("component", "cli").Msg("shutdown signal received, draining...")
	case runErr = <-errCh:
		stop()
	}
	_ = a.Close()

	if !keepDaemon {
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := sup.Gateway().ReportQuit(sctx); err != nil {
			log.Debug().Str("component", "cli").Err(err).Msg("quit report failed")
		}
		if err := sup.Shutdown(sctx); err != nil {
			log.Error().Str("component", "cli").Err(err).Msg("daemon shutdown")
		}
	}
	log.Info().Str("component", "cli").Msg("bye")
	return runErr
}
