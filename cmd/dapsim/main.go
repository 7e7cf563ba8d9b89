// Command dapsim runs a simulated CMSIS-DAP v2 probe in-process and
// drives it through the host client.
//
// Usage:
//
//	dapsim run [flags] <hex command>...
//	dapsim trace [flags]
//
// Commands are hex bytes, e.g. "00 FE" for DAP_Info(packet count).
// Trace is fed from a serial port (--swo-serial) or a file (--swo-file).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ardnew/softdap/pkg"
	"github.com/ardnew/softdap/pkg/prof"
)

var (
	logLevel    string
	logJSON     bool
	cpuProfile  string
	heapProfile string
	profiling   *prof.Session
)

var rootCmd = &cobra.Command{
	Use:   "dapsim",
	Short: "Simulated CMSIS-DAP v2 probe",
	Long: `Run a CMSIS-DAP v2 probe on an in-memory USB bus and talk to it
through the same client used for real probes.

Examples:
  dapsim run "00 01" "00 FE"                    # vendor and packet count
  dapsim run --queue "01 00 01" "01 01 01"      # one batch
  dapsim trace --swo-file trace.bin             # stream trace to stdout
  dapsim trace --swo-serial /dev/ttyUSB0 --mqtt mqtt://localhost:1883/lab`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := pkg.ConfigureLogging(cmd.ErrOrStderr(), logLevel, logJSON); err != nil {
			return err
		}
		if cpuProfile == "" && heapProfile == "" {
			return nil
		}
		var err error
		profiling, err = prof.Start(prof.Options{CPU: cpuProfile, Heap: heapProfile})
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if profiling == nil {
			return nil
		}
		return profiling.Stop()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "use JSON log format")
	rootCmd.PersistentFlags().StringVar(&cpuProfile, "cpu-profile", "", "write a CPU profile to this file")
	rootCmd.PersistentFlags().StringVar(&heapProfile, "heap-profile", "", "write a heap profile to this file on exit")
	addProbeFlags(rootCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
