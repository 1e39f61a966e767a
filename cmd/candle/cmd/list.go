package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
	"github.com/roffe/gocandle"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list connected adapters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if transports, _ := cmd.Flags().GetBool("transports"); transports {
			for _, t := range candle.ListTransports() {
				fmt.Println(t.String())
			}
			return nil
		}
		tr, err := newTransport(cmd)
		if err != nil {
			return err
		}
		devs, err := candle.NewRegistry(tr).ListDevices()
		if err != nil {
			return err
		}
		if len(devs) == 0 {
			fmt.Println("no adapters found")
			return nil
		}
		for _, d := range devs {
			printDevice(d)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Bool("transports", false, "list available transports instead")
	rootCmd.AddCommand(listCmd)
}

// vendorName falls back to the usb id database when the device has no
// manufacturer string.
func vendorName(d candle.DeviceDescriptor) string {
	if d.Manufacturer != "" {
		return d.Manufacturer
	}
	if v, ok := usbid.Vendors[gousb.ID(d.VendorID)]; ok {
		return v.Name
	}
	return "unknown"
}

func printDevice(d candle.DeviceDescriptor) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s %04x:%04x %s %s\n", bold(d.SerialNumber), d.VendorID, d.ProductID, vendorName(d), d.Product)
	if d.Release != "" || d.SoftwareVersion != 0 {
		fmt.Printf("  release %s, sw %d, hw %d\n", d.Release, d.SoftwareVersion, d.HardwareVersion)
	}
	for i, ch := range d.Channels {
		fmt.Printf("  ch%d: clock %d Hz, features %s\n", i, ch.ClockHz, ch.Feature)
		if ch.Nominal.BRPMax != 0 {
			fmt.Printf("       nominal %s\n", ch.Nominal)
		}
		if ch.Data.BRPMax != 0 {
			fmt.Printf("       data    %s\n", ch.Data)
		}
	}
}
