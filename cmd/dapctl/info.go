package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ardnew/softdap/device/class/dap"
	"github.com/ardnew/softdap/host/dapclient"
	"github.com/ardnew/softdap/pkg"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show probe identity and capabilities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProbe(cmd.Context(), func(ctx context.Context, c *dapclient.Client) error {
			return printInfo(ctx, cmd.OutOrStdout(), c)
		})
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func printInfo(ctx context.Context, out io.Writer, c *dapclient.Client) error {
	strs := []struct {
		name string
		id   byte
	}{
		{"vendor", dap.InfoVendor},
		{"product", dap.InfoProduct},
		{"serial", dap.InfoSerial},
		{"protocol", dap.InfoProtocolVersion},
		{"firmware", dap.InfoFirmware},
	}
	for _, s := range strs {
		v, err := c.InfoString(ctx, s.id)
		if err != nil && !errors.Is(err, pkg.ErrNotSupported) {
			return err
		}
		fmt.Fprintf(out, "%-12s %s\n", s.name, v)
	}

	caps, err := c.Info(ctx, dap.InfoCapabilities)
	if err != nil {
		return err
	}
	if len(caps) > 0 {
		fmt.Fprintf(out, "%-12s %s\n", "capabilities", capabilities(caps[0]))
	}
	fmt.Fprintf(out, "%-12s %d\n", "packet size", c.PacketSize())
	fmt.Fprintf(out, "%-12s %d\n", "packet count", c.PacketCount())

	if buf, err := c.Info(ctx, dap.InfoSWOBufferSize); err == nil && len(buf) == 4 {
		fmt.Fprintf(out, "%-12s %d\n", "swo buffer", binary.LittleEndian.Uint32(buf))
	}
	return nil
}

func capabilities(b byte) string {
	names := []struct {
		bit  byte
		name string
	}{
		{dap.CapSWD, "swd"},
		{dap.CapJTAG, "jtag"},
		{dap.CapSWOUART, "swo-uart"},
		{dap.CapSWOManchester, "swo-manchester"},
		{dap.CapAtomic, "atomic"},
		{dap.CapTimer, "timer"},
		{dap.CapSWOStream, "swo-stream"},
	}
	s := ""
	for _, n := range names {
		if b&n.bit == 0 {
			continue
		}
		if s != "" {
			s += " "
		}
		s += n.name
	}
	if s == "" {
		return "none"
	}
	return s
}
