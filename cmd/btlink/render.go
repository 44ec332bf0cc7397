package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/ugorji/go/codec"

	"github.com/srg/btlink/internal/device"
)

// deviceView is the printable form of a device.
type deviceView struct {
	Address string `codec:"address"`
	Name    string `codec:"name,omitempty"`
	Kind    string `codec:"kind"`
	Paired  bool   `codec:"paired"`
}

func viewOf(d device.Device) deviceView {
	return deviceView{Address: d.Address, Name: d.Name, Kind: d.Kind.String(), Paired: d.IsPaired()}
}

func writeJSON(w io.Writer, v any) error {
	h := &codec.JsonHandle{}
	h.Indent = 2
	h.HTMLCharsAsIs = true
	if err := codec.NewEncoder(w, h).Encode(v); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func writeDevices(w io.Writer, devices []device.Device, asJSON bool) error {
	if asJSON {
		views := make([]deviceView, 0, len(devices))
		for _, d := range devices {
			views = append(views, viewOf(d))
		}
		return writeJSON(w, views)
	}
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tTYPE\tPAIRED")
	fmt.Fprintln(tw, strings.Repeat("-", 64))
	paired := color.New(color.FgGreen).SprintFunc()
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		mark := "no"
		if d.IsPaired() {
			mark = paired("yes")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, d.Address, d.Kind, mark)
	}
	return tw.Flush()
}

func statusColor(s device.ConnectionStatus) string {
	switch s {
	case device.StatusConnected:
		return color.GreenString(s.String())
	case device.StatusFailed:
		return color.RedString(s.String())
	case device.StatusConnecting:
		return color.YellowString(s.String())
	default:
		return s.String()
	}
}
