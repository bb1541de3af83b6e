package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/otaclient/otaclient/pkg/certstore"
	"github.com/otaclient/otaclient/pkg/config"
	"github.com/otaclient/otaclient/pkg/log"
	"github.com/otaclient/otaclient/pkg/metrics"
	"github.com/otaclient/otaclient/pkg/orchestrator"
	"github.com/otaclient/otaclient/pkg/otaclient"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "otaclient",
	Short: "otaclient - A/B slot OTA update client for Linux-based ECUs",
	Long: `otaclient rebuilds a device's standby rootfs slot from a signed
manifest, deduplicating unchanged content by hash, and hands off to
the bootloader for the next reboot.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"otaclient version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/otaclient/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().String("cert-dir", "/etc/otaclient/certs", "Directory of trusted manifest-signing certificates")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func newClient(cmd *cobra.Command) (*otaclient.Client, error) {
	configPath, _ := cmd.Flags().GetString("config")
	certDir, _ := cmd.Flags().GetString("cert-dir")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	certs, err := certstore.Load(certDir)
	if err != nil {
		return nil, err
	}
	client, err := otaclient.New(cfg, certs)
	if err != nil {
		return nil, err
	}
	if err := client.Finalize(); err != nil {
		log.Errorf("finalization reported a failure", err)
	}
	return client, nil
}

var updateCmd = &cobra.Command{
	Use:   "update <version> <url-base>",
	Short: "Apply an update to the standby slot and reboot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		fsm := orchestrator.New()
		if err := fsm.Proceed("service", orchestrator.StateStart, time.Minute, nil); err != nil {
			return err
		}
		go advanceWithNoSubordinates(fsm, client.FSMWaitTimeout())
		if err := client.Update(context.Background(), args[0], args[1], nil, fsm); err != nil {
			return fmt.Errorf("update failed: %w", err)
		}
		return nil
	},
}

// advanceWithNoSubordinates is the "service" side of the session FSM:
// per-ECU fan-out is out of scope for this binary, so with no
// subordinates configured it closes S2 out to END the moment the
// local update reaches S2, instead of leaving Update's
// WaitOn(StateEnd) to block for the full FSM wait timeout every run.
func advanceWithNoSubordinates(fsm *orchestrator.FSM, timeout time.Duration) {
	if err := fsm.Proceed("service", orchestrator.StateS2, timeout, nil); err != nil {
		log.Errorf("service: advance session to end", err)
	}
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back to the standby slot's last known-good image",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := client.Rollback(context.Background()); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the active slot's update status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		report, err := client.Status()
		if err != nil {
			return err
		}
		fmt.Printf("status:        %s\n", report.Status)
		fmt.Printf("version:       %s\n", report.Version)
		fmt.Printf("failure_type:  %s\n", report.FailureType)
		if report.FailureReason != "" {
			fmt.Printf("failure_reason: %s\n", report.FailureReason)
		}
		if report.UpdateProgress != nil {
			fmt.Printf("phase:         %s\n", report.UpdateProgress.Phase)
			fmt.Printf("processed:     %d/%d regular files (%s)\n",
				report.UpdateProgress.Stats.RegularFilesProcessed,
				report.UpdateProgress.Stats.TotalRegularFiles,
				report.UpdateProgress.Stats.HumanBytes(),
			)
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run otaclient as a long-lived process serving /metrics and /healthz",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			status, err := client.Status()
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, "error: %v\n", err)
				return
			}
			fmt.Fprintf(w, "status: %s\n", status.Status)
		})
		server := &http.Server{Addr: metricsAddr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			log.Info("serving /metrics and /healthz on " + metricsAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			log.Errorf("metrics server failed", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

func init() {
	daemonCmd.Flags().String("metrics-addr", ":9100", "Address to serve /metrics and /healthz on")
}
