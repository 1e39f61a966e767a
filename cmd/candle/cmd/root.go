package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "candle",
	Short:        "candleLight and slcan CAN adapter tool",
	Long:         `List CAN adapters, dump bus traffic, send frames or expose a channel over WebSocket.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagTransport     = "transport"
	flagPort          = "port"
	flagBaudrate      = "baudrate"
	flagSerial        = "serial"
	flagDebug         = "debug"
	flagChannel       = "channel"
	flagFD            = "fd"
	flagTermination   = "termination"
	flagBitTiming     = "bit-timing"
	flagDataBitTiming = "data-bit-timing"
	flagListenOnly    = "listen-only"
	flagLoopback      = "loopback"
	flagTimestamps    = "timestamps"
	flagRetries       = "retries"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagTransport, "t", "gs_usb", "transport to use, see list --transports")
	pf.StringP(flagPort, "p", "", "com-port for serial transports")
	pf.IntP(flagBaudrate, "b", 115200, "com-port baudrate")
	pf.StringP(flagSerial, "s", "", "adapter serial number, empty = first found")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.Uint8P(flagChannel, "c", 0, "adapter channel")
	pf.Bool(flagFD, false, "enable CAN-FD")
	pf.Bool(flagTermination, false, "enable the 120 ohm termination, unset = leave as is")
	pf.String(flagBitTiming, "", "nominal bit timing prop_seg,phase_seg1,phase_seg2,sjw,brp")
	pf.String(flagDataBitTiming, "", "FD data bit timing prop_seg,phase_seg1,phase_seg2,sjw,brp")
	pf.Bool(flagListenOnly, false, "listen only mode")
	pf.Bool(flagLoopback, false, "loopback mode")
	pf.Bool(flagTimestamps, false, "hardware timestamps")
	pf.IntP(flagRetries, "r", 2, "open retries")
}
