package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/jy1655/bzperi/internal/bluez"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List Bluetooth adapters known to BlueZ",
	RunE:  runAdapters,
}

func runAdapters(cmd *cobra.Command, args []string) error {
	if _, err := configureLogger(cmd, ""); err != nil {
		return err
	}
	return listAdapters()
}

func listAdapters() error {
	conn, err := bluez.SystemBusConnector()
	if err != nil {
		return err
	}
	defer conn.Close()

	managed, berr := bluez.ManagedObjects(conn)
	if berr != nil {
		return berr
	}

	var paths []dbus.ObjectPath
	for path, ifaces := range managed {
		if _, ok := ifaces[bluez.AdapterInterface]; ok {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		fmt.Println("No Bluetooth adapters found")
		return nil
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	for _, path := range paths {
		props := managed[path][bluez.AdapterInterface]
		cyan.Println(string(path))
		fmt.Printf("  Address:  %s\n", variantString(props, "Address"))
		fmt.Printf("  Name:     %s\n", variantString(props, "Name"))
		if alias := variantString(props, "Alias"); alias != "" {
			fmt.Printf("  Alias:    %s\n", alias)
		}
		fmt.Printf("  Powered:  %s\n", onOff(variantBool(props, "Powered"), green, red))
		fmt.Printf("  Discoverable: %s\n", onOff(variantBool(props, "Discoverable"), green, red))
		if adv, ok := managed[path][bluez.AdvertisingManagerInterface]; ok {
			fmt.Printf("  Advertising:  %s active, %s slots free\n",
				yellow.Sprintf("%d", variantByte(adv, "ActiveInstances")),
				yellow.Sprintf("%d", variantByte(adv, "SupportedInstances")))
		}
		fmt.Println()
	}
	return nil
}

func onOff(v bool, on, off *color.Color) string {
	if v {
		return on.Sprint("on")
	}
	return off.Sprint("off")
}

func variantString(props map[string]dbus.Variant, name string) string {
	if v, ok := props[name]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func variantBool(props map[string]dbus.Variant, name string) bool {
	if v, ok := props[name]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

func variantByte(props map[string]dbus.Variant, name string) byte {
	if v, ok := props[name]; ok {
		if b, ok := v.Value().(byte); ok {
			return b
		}
	}
	return 0
}
