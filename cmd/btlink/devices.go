package main

import (
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"paired"},
		Short:   "List devices paired with the adapter",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := startSession(cmd, nil)
			if err != nil {
				return err
			}
			defer sess.Close()
			return writeDevices(cmd.OutOrStdout(), sess.client.PairedDevices(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
