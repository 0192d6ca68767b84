package main

import (
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bzperi",
	Short: "BLE GATT peripheral server for BlueZ",
	Long: `BzPeri turns a Linux machine into a Bluetooth Low Energy peripheral:

- Serves a GATT application (device info, battery, time, custom services)
- Advertises the peripheral over the selected Bluetooth adapter
- Tracks connected centrals and pushes characteristic updates
- Recovers automatically when bluetoothd restarts

Requires BlueZ with the D-Bus GATT API (bluetoothd 5.42+).`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(adaptersCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
