package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// statusView is the JSON form of the status command.
type statusView struct {
	Adapter            string `codec:"adapter"`
	Enabled            bool   `codec:"enabled"`
	Transport          string `codec:"transport"`
	PairedDevices      int    `codec:"paired_devices"`
	ReconnectBaseDelay string `codec:"reconnect_base_delay"`
	ReconnectMaxDelay  string `codec:"reconnect_max_delay"`
	MaxReconnects      int    `codec:"max_reconnect_attempts"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show adapter state and link settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := startSession(cmd, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			v := statusView{
				Adapter:            sess.cfg.Adapter,
				Enabled:            sess.client.IsBluetoothEnabled(),
				Transport:          sess.cfg.Transport,
				PairedDevices:      len(sess.client.PairedDevices()),
				ReconnectBaseDelay: sess.cfg.ReconnectBaseDelay.String(),
				ReconnectMaxDelay:  sess.cfg.ReconnectMaxDelay.String(),
				MaxReconnects:      sess.cfg.MaxReconnectAttempts,
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), v)
			}

			power := color.RedString("off")
			if v.Enabled {
				power = color.GreenString("on")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Adapter:\t%s (%s)\n", v.Adapter, power)
			fmt.Fprintf(tw, "Transport:\t%s\n", v.Transport)
			fmt.Fprintf(tw, "Paired devices:\t%d\n", v.PairedDevices)
			fmt.Fprintf(tw, "Reconnect delay:\t%s .. %s\n", v.ReconnectBaseDelay, v.ReconnectMaxDelay)
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
