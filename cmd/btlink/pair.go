package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/btlink/internal/device"
)

func newPairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <device-address>",
		Short: "Pair with a device",
		Long: fmt.Sprintf(`Starts pairing and waits for the outcome, at most pair_timeout.
Ctrl+C cancels the pairing attempt.

Example:
  btlink pair %s

%s`, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(1),
		RunE: runPair,
	}
}

func runPair(cmd *cobra.Command, args []string) error {
	address, err := device.ValidateAddress(args[0])
	if err != nil {
		return err
	}
	sess, err := startSession(cmd, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := interruptible(cmd)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Pairing with "+address, "Pairing", "Done")
	progress.Start()
	defer progress.Stop()

	statusStop := sess.client.OnPairingStatusChanged(func(ps device.PairingStatus) {
		sess.logger.WithField("state", ps.State).Debug("Pairing status")
	})
	defer statusStop()

	results := make(chan device.Result[device.Device], 1)
	sess.client.PairAsync(device.Device{Address: address}, func(r device.Result[device.Device]) { results <- r })

	var res device.Result[device.Device]
	select {
	case res = <-results:
	case <-ctx.Done():
		sess.client.CancelPairing()
		res = <-results
	}
	progress.Callback()("Done")

	d, ok := res.Value()
	if !ok {
		return res.Err()
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("Paired"), d.DisplayName())
	return err
}
