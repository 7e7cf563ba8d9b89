package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/softdap/device/class/dap"
	"github.com/ardnew/softdap/host/dapclient"
	"github.com/ardnew/softdap/host/tracepub"
	"github.com/ardnew/softdap/pkg"
)

var (
	swoTransport string
	swoBaud      uint32
	swoMQTT      string
	swoTopic     string
	swoListen    string
	swoQuiet     bool
	swoDuration  time.Duration
)

var swoCmd = &cobra.Command{
	Use:   "swo",
	Short: "Capture UART SWO trace",
	Long: `Start UART SWO capture and copy the trace to stdout, an MQTT broker
(--mqtt) and websocket subscribers (--listen) until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var mode dap.TransportMode
		switch swoTransport {
		case "poll":
			mode = dap.TransportPoll
		case "stream":
			mode = dap.TransportStream
		default:
			return fmt.Errorf("transport %q: %w", swoTransport, pkg.ErrInvalidParameter)
		}
		ctx := cmd.Context()
		if swoDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, swoDuration)
			defer cancel()
		}
		return withProbe(ctx, func(ctx context.Context, c *dapclient.Client) error {
			if mode == dap.TransportPoll {
				c.SetSWO(nil)
			}
			baud, err := c.StartSWO(ctx, mode, swoBaud)
			if err != nil {
				return err
			}
			pkg.LogInfo(pkg.ComponentCLI, "trace started", "transport", mode.String(), "baud", baud)

			targets := tracepub.Targets{MQTT: swoMQTT, Topic: swoTopic, Listen: swoListen}
			if !swoQuiet {
				targets.Console = cmd.OutOrStdout()
			}
			err = tracepub.Publish(ctx, targets, c.StreamSWO)

			// The probe keeps capturing unless told otherwise.
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if serr := c.StopSWO(stopCtx); serr != nil {
				pkg.LogWarn(pkg.ComponentCLI, "stop capture failed", "error", serr)
			}
			return err
		})
	},
}

func init() {
	f := swoCmd.Flags()
	f.StringVar(&swoTransport, "transport", "stream", "trace transport (poll, stream)")
	f.Uint32Var(&swoBaud, "baud", 115200, "UART SWO baud rate")
	f.StringVar(&swoMQTT, "mqtt", "", "publish trace to this broker URL")
	f.StringVar(&swoTopic, "mqtt-topic", tracepub.DefaultTopic, "MQTT topic below the URL prefix")
	f.StringVar(&swoListen, "listen", "", "serve trace to websocket clients on this address")
	f.BoolVar(&swoQuiet, "quiet", false, "do not copy trace to stdout")
	f.DurationVar(&swoDuration, "duration", 0, "stop after this long (default: until interrupted)")
	rootCmd.AddCommand(swoCmd)
}
