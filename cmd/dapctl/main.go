// Command dapctl talks to a CMSIS-DAP v2 probe over USB.
//
// Usage:
//
//	dapctl list
//	dapctl info
//	dapctl exec [--queue] <hex command>...
//	dapctl swo [--transport stream|poll] [--baud n]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ardnew/softdap/host/dapclient"
	"github.com/ardnew/softdap/pkg"
)

// Default match for DAPLink probes.
const (
	defaultVID = 0x0D28
	defaultPID = 0x0204
)

var (
	logLevel     string
	logJSON      bool
	vid, pid     uint16
	serialNumber string
)

var rootCmd = &cobra.Command{
	Use:          "dapctl",
	Short:        "CMSIS-DAP v2 probe control",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := pkg.ConfigureLogging(cmd.ErrOrStderr(), logLevel, logJSON); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	f.BoolVar(&logJSON, "log-json", false, "use JSON log format")
	f.Uint16Var(&vid, "vid", defaultVID, "probe USB vendor id")
	f.Uint16Var(&pid, "pid", defaultPID, "probe USB product id (0 matches any)")
	f.StringVar(&serialNumber, "serial-number", "", "select the probe with this serial number")
}

// withProbe opens the selected probe, discovers its packet geometry and
// runs fn with its client.
func withProbe(ctx context.Context, fn func(ctx context.Context, c *dapclient.Client) error) error {
	p, err := dapclient.OpenUSB(vid, pid, serialNumber)
	if err != nil {
		return err
	}
	defer p.Close()

	c := p.Client()
	if err := c.Discover(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
