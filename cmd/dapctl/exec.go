package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ardnew/softdap/device/class/dap"
	"github.com/ardnew/softdap/host/dapclient"
)

var execQueue bool

var execCmd = &cobra.Command{
	Use:   "exec <hex command>...",
	Short: "Execute raw commands",
	Long: `Execute each command and print its response. With --queue the
commands are sent as one batch and one response is printed per packet.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmds := make([][]byte, 0, len(args))
		for _, a := range args {
			b, err := dapclient.ParseCommand(a)
			if err != nil {
				return err
			}
			cmds = append(cmds, b)
		}
		return withProbe(cmd.Context(), func(ctx context.Context, c *dapclient.Client) error {
			out := cmd.OutOrStdout()
			if execQueue {
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
					continue
				}
				rsp, err := c.Transact(ctx, b)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s -> %s\n", dapclient.FormatPacket(b), dapclient.FormatPacket(rsp))
			}
			return nil
		})
	},
}

func init() {
	execCmd.Flags().BoolVar(&execQueue, "queue", false, "send the commands as one batch")
	rootCmd.AddCommand(execCmd)
}
