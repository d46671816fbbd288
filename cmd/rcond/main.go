// rcond - remote console daemon
//
// rcond accepts authenticated remote-console connections over the framed
// RCON protocol, dispatches their commands into a local console, tracks and
// bans abusive addresses, exposes an admin REST API and publishes security
// events via MQTT.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/rcond/internal/api"
	"github.com/energizer-project/rcond/internal/cli"
	"github.com/energizer-project/rcond/internal/config"
	"github.com/energizer-project/rcond/internal/events"
	"github.com/energizer-project/rcond/internal/host"
	"github.com/energizer-project/rcond/internal/rcon"
	"github.com/energizer-project/rcond/internal/telemetry"
	"github.com/energizer-project/rcond/internal/util"
)

const Banner = `
                          _ 
  _ __ ___ ___  _ __   __| |
 | '__/ __/ _ \| '_ \ / _' |
 | | | (_| (_) | | | | (_| |
 |_|  \___\___/|_| |_|\__,_|  v%s
 Remote Console Daemon
`

var (
	configDir   string
	interactive bool

	execAddr     string
	execPassword string
	execTimeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "rcond",
	Short: "Remote console daemon",
	Long:  "rcond serves the RCON protocol, an admin REST API and MQTT security telemetry.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rcond %s (%s, %s/%s)\n", host.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <command...>",
	Short: "Run one command on a remote rcon server and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if execPassword == "" {
			execPassword = os.Getenv("RCON_PASSWORD")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), execTimeout)
		defer cancel()
		return runExec(ctx, execAddr, execPassword, strings.Join(args, " "), os.Stdout)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", config.DefaultConfigDir, "Directory holding config.json")
	rootCmd.Flags().BoolVar(&interactive, "interactive", true, "Read operator commands from stdin")

	execCmd.Flags().StringVarP(&execAddr, "addr", "a", "127.0.0.1:27015", "Server address (host:port)")
	execCmd.Flags().StringVarP(&execPassword, "password", "p", "", "rcon password (default $RCON_PASSWORD)")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 10*time.Second, "Time to wait for the reply")

	rootCmd.AddCommand(versionCmd, execCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	fmt.Printf(Banner, host.Version)
	fmt.Println()

	// Defaults until the config is loaded
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", host.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting rcond")

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appData := cfg.GetApplicationData()
	logCfg := util.LogConfig{
		Level:      appData.Logging.Level,
		Directory:  appData.Logging.Directory,
		MaxSizeMB:  appData.Logging.MaxSizeMB,
		MaxBackups: appData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if err := validate(cfg); err != nil {
		return err
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	app, err := host.New(cfg, eventBus)
	if err != nil {
		return fmt.Errorf("failed to create rcond: %w", err)
	}
	defer app.Close()

	var apiServer *api.Server
	if cfg.GetApplicationData().API.Enabled {
		apiServer = api.NewServer(cfg, app)
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetApplicationData().MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, host.Version)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.Run(ctx); err != nil {
			errCh <- fmt.Errorf("rcon host: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetApplicationData().API.Port).Msg("starting admin API")
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("admin API stopped (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if interactive {
		// Not in the WaitGroup: the console may be blocked on stdin.
		cliHandler := cli.NewCLI(app, eventBus, os.Stdin, os.Stdout)
		go cliHandler.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
		runErr = err
	case <-ctx.Done():
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")
	eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "main"})
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("rcond stopped")
	return runErr
}

// validate logs configuration problems and runs the setup wizard on first
// run.
func validate(cfg *config.Config) error {
	result := config.Validate(cfg)
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if result.IsValid() {
		return nil
	}
	for _, e := range result.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}

	if !cfg.IsFirstRun() {
		return fmt.Errorf("configuration validation failed, please fix the errors above")
	}

	log.Info().Msg("first run detected, launching setup wizard")
	if err := config.RunSetupWizard(cfg, os.Stdin); err != nil {
		return fmt.Errorf("setup wizard failed: %w", err)
	}
	if result := config.Validate(cfg); !result.IsValid() {
		return fmt.Errorf("configuration still invalid after setup: %v", result.Errors[0])
	}
	return nil
}

// runExec connects, authenticates, runs one command and prints the first
// text reply.
func runExec(ctx context.Context, addr, password, command string, out io.Writer) error {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	client := rcon.NewClient(rcon.ClientCallbacks{
		OnText: func(_ int32, text string) {
			fmt.Fprint(out, text)
			finish(nil)
		},
		OnAuth: func(err error) {
			if err != nil {
				finish(err)
			}
		},
	})
	client.SetPassword(password)

	if err := client.Connect(ctx, addr); err != nil {
		return err
	}
	defer client.Disconnect()

	if err := client.SendCommand(command); err != nil {
		return err
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return fmt.Errorf("no reply from %s: %w", addr, ctx.Err())
		case <-ticker.C:
			if err := client.RunFrame(); err != nil {
				return err
			}
			if client.State() == rcon.StateDisconnected {
				select {
				case err := <-done:
					return err
				default:
				}
				return rcon.ErrNotConnected
			}
		}
	}
}
