package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/softdap/device/class/dap"
	"github.com/ardnew/softdap/host/tracepub"
	"github.com/ardnew/softdap/pkg"
)

var (
	traceTransport string
	traceBaud      uint32
	traceMQTT      string
	traceTopic     string
	traceListen    string
	traceQuiet     bool
	traceDuration  time.Duration
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Capture SWO trace through the simulated probe",
	Long: `Start UART SWO capture on the simulated probe and forward the trace
to stdout, an MQTT broker (--mqtt) and websocket subscribers (--listen).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := parseTransport(traceTransport)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if traceDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, traceDuration)
			defer cancel()
		}
		return withSession(ctx, func(ctx context.Context, s *session) error {
			if mode == dap.TransportPoll {
				s.client.SetSWO(nil)
			} else if s.probe.Endpoints(0).SWO == 0 {
				return fmt.Errorf("stream transport without a SWO endpoint: %w", pkg.ErrNotSupported)
			}
			return streamTrace(ctx, cmd.OutOrStdout(), s, mode)
		})
	},
}

func init() {
	f := traceCmd.Flags()
	f.StringVar(&traceTransport, "transport", "stream", "trace transport (poll, stream)")
	f.Uint32Var(&traceBaud, "baud", 115200, "UART SWO baud rate")
	f.StringVar(&traceMQTT, "mqtt", "", "publish trace to this broker URL")
	f.StringVar(&traceTopic, "mqtt-topic", tracepub.DefaultTopic, "MQTT topic below the URL prefix")
	f.StringVar(&traceListen, "listen", "", "serve trace to websocket clients on this address")
	f.BoolVar(&traceQuiet, "quiet", false, "do not copy trace to stdout")
	f.DurationVar(&traceDuration, "duration", 0, "stop after this long (default: until interrupted)")
	rootCmd.AddCommand(traceCmd)
}

func parseTransport(name string) (dap.TransportMode, error) {
	switch name {
	case "poll":
		return dap.TransportPoll, nil
	case "stream":
		return dap.TransportStream, nil
	}
	return dap.TransportNone, fmt.Errorf("transport %q: %w", name, pkg.ErrInvalidParameter)
}

func streamTrace(ctx context.Context, stdout io.Writer, s *session, mode dap.TransportMode) error {
	baud, err := s.client.StartSWO(ctx, mode, traceBaud)
	if err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentCLI, "trace started", "transport", mode.String(), "baud", baud)

	targets := tracepub.Targets{MQTT: traceMQTT, Topic: traceTopic, Listen: traceListen}
	if !traceQuiet {
		targets.Console = stdout
	}
	err = tracepub.Publish(ctx, targets, s.client.StreamSWO)

	if ctx.Err() == nil {
		if serr := s.client.StopSWO(ctx); serr != nil {
			pkg.LogDebug(pkg.ComponentCLI, "stop capture failed", "error", serr)
		}
	}
	return err
}
