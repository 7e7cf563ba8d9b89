package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softdap/device/class/dap"
	"github.com/ardnew/softdap/device/class/dap/capture"
	"github.com/ardnew/softdap/device/hal"
	"github.com/ardnew/softdap/device/probe"
	"github.com/ardnew/softdap/host/dapclient"
	"github.com/ardnew/softdap/pkg"
)

// Probe flags shared by every subcommand.
var (
	highSpeed   bool
	packetSize  int
	packetCount int
	swoBuffer   int
	swoDrop     bool
	noStream    bool
	swoSerial   string
	swoFile     string
	serial      string
)

func addProbeFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.BoolVar(&highSpeed, "high-speed", false, "simulate a high-speed bus (512 byte packets)")
	f.IntVar(&packetSize, "packet-size", 0, "DAP packet size (default: bulk size of the bus)")
	f.IntVar(&packetCount, "packet-count", dap.DefaultConfig().PacketCount, "DAP packet buffers per direction")
	f.IntVar(&swoBuffer, "swo-buffer", dap.DefaultConfig().SWOBufferSize, "SWO trace buffer size in bytes")
	f.BoolVar(&swoDrop, "swo-drop", false, "drop new trace instead of overwriting old trace when full")
	f.BoolVar(&noStream, "no-swo-endpoint", false, "omit the streaming SWO endpoint")
	f.StringVar(&swoSerial, "swo-serial", "", "serial port carrying UART SWO")
	f.StringVar(&swoFile, "swo-file", "", "file replayed as SWO trace")
	f.StringVar(&serial, "serial", "", "probe serial number (default: derived from the machine id)")
}

// defaultSerial derives a stable serial number for this host.
func defaultSerial() string {
	id, err := machineid.ProtectedID("softdap")
	if err != nil {
		pkg.LogWarn(pkg.ComponentCLI, "machine id unavailable", "error", err)
		return "00000001"
	}
	return strings.ToUpper(id[:min(len(id), 16)])
}

func probeOptions() (probe.Options, error) {
	if swoSerial != "" && swoFile != "" {
		return probe.Options{}, fmt.Errorf("--swo-serial and --swo-file are exclusive: %w", pkg.ErrInvalidParameter)
	}
	cfg := dap.DefaultConfig()
	cfg.PacketSize = packetSize
	cfg.PacketCount = packetCount
	cfg.SWOBufferSize = swoBuffer

	opts := probe.Options{
		Speed:         hal.SpeedFull,
		DAP:           cfg,
		TraceEndpoint: !noStream,
		Identity: dap.CommandsConfig{
			Vendor:   "softdap",
			Product:  "CMSIS-DAP simulated probe",
			Serial:   serial,
			Firmware: dap.ProtocolVersion,
		},
	}
	if highSpeed {
		opts.Speed = hal.SpeedHigh
	}
	if opts.Identity.Serial == "" {
		opts.Identity.Serial = defaultSerial()
	}

	switch {
	case swoSerial != "":
		opts.NewCapture = func(_ int, sink capture.Sink) dap.Capture {
			return capture.NewSerial(swoSerial, sink)
		}
	case swoFile != "":
		f, err := os.Open(swoFile)
		if err != nil {
			return probe.Options{}, err
		}
		opts.NewCapture = func(_ int, sink capture.Sink) dap.Capture {
			return capture.NewReader(swoFile, f, sink)
		}
	}
	return opts, nil
}

// session is a started probe and a client bound to its first interface.
type session struct {
	probe  *probe.Probe
	client *dapclient.Client
}

// withSession starts a probe, runs fn against it and tears the probe
// down when fn returns.
func withSession(ctx context.Context, fn func(ctx context.Context, s *session) error) error {
	opts, err := probeOptions()
	if err != nil {
		return err
	}
	p, err := probe.New(opts)
	if err != nil {
		return err
	}
	for n := 0; n < p.Driver.Len(); n++ {
		p.Interface(n).SWO().SetOverwritable(!swoDrop)
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	e := p.Endpoints(0)
	s := &session{
		probe:  p,
		client: dapclient.NewMem(p.HAL, e.Out, e.In, e.SWO, p.PacketSize()),
	}
	pkg.LogInfo(pkg.ComponentCLI, "probe started",
		"serial", opts.Identity.Serial, "packetSize", p.PacketSize(), "swoEndpoint", e.SWO != 0)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return fn(gctx, s)
	})
	return g.Wait()
}
