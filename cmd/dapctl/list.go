package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ardnew/softdap/host/dapclient"
	"github.com/ardnew/softdap/pkg/usbid"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached probes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		probes, err := dapclient.List(vid, pid)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(probes) == 0 {
			fmt.Fprintf(out, "no probes matching %04x:%04x\n", vid, pid)
			return nil
		}
		db := usbid.Load()
		for _, p := range probes {
			if p.Manufacturer == "" {
				p.Manufacturer = db.Vendor(p.Vendor)
			}
			if p.Description == "" {
				p.Description = db.Product(p.Vendor, p.Product)
			}
			fmt.Fprintln(out, p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
