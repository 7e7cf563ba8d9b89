package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ardnew/softdap/device/class/dap"
	"github.com/ardnew/softdap/host/dapclient"
)

var runQueue bool

var runCmd = &cobra.Command{
	Use:   "run <hex command>...",
	Short: "Execute commands on the simulated probe",
	Long: `Execute each command on the simulated probe and print its response.
With --queue the commands are sent as one QueueCommands/ExecuteCommands
batch and one response is printed per packet.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmds := make([][]byte, 0, len(args))
		for _, a := range args {
			c, err := dapclient.ParseCommand(a)
			if err != nil {
				return err
			}
			cmds = append(cmds, c)
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			if err := s.client.Discover(ctx); err != nil {
				return err
			}
			return execute(ctx, cmd, s.client, cmds, runQueue)
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runQueue, "queue", false, "send the commands as one batch")
	rootCmd.AddCommand(runCmd)
}

func execute(ctx context.Context, cmd *cobra.Command, c *dapclient.Client, cmds [][]byte, queue bool) error {
	out := cmd.OutOrStdout()
	if queue {
		rsps, err := c.Queue(ctx, cmds)
		for i, rsp := range rsps {
			fmt.Fprintf(out, "packet %d: %s\n", i, dapclient.FormatPacket(rsp))
		}
		return err
	}
	for _, b := range cmds {
		if b[0] == dap.CmdTransferAbort {
			if err := c.Abort(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s -> (no response)\n", dapclient.FormatPacket(b))
			continue
		}
		rsp, err := c.Transact(ctx, b)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s -> %s\n", dapclient.FormatPacket(b), dapclient.FormatPacket(rsp))
	}
	return nil
}
