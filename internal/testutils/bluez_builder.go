package testutils

import (
	"github.com/godbus/dbus/v5"
)

// BluezTreeBuilder assembles the GetManagedObjects reply a live BlueZ would
// produce. It provides a fluent API so tests state only the topology they
// care about; property defaults mirror a freshly plugged-in adapter.
type BluezTreeBuilder struct {
	objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
}

// NewBluezTreeBuilder starts an empty object tree.
func NewBluezTreeBuilder() *BluezTreeBuilder {
	return &BluezTreeBuilder{
		objects: make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant),
	}
}

// WithAdapter adds an adapter exposing Adapter1, GattManager1 and
// LEAdvertisingManager1, the interface set bluetoothd publishes for a radio
// with LE support.
func (b *BluezTreeBuilder) WithAdapter(path dbus.ObjectPath, address string, powered bool) *BluezTreeBuilder {
	b.objects[path] = map[string]map[string]dbus.Variant{
		"org.bluez.Adapter1": {
			"Address":      dbus.MakeVariant(address),
			"Name":         dbus.MakeVariant("fake-adapter"),
			"Alias":        dbus.MakeVariant("fake-adapter"),
			"Powered":      dbus.MakeVariant(powered),
			"Discoverable": dbus.MakeVariant(false),
			"Pairable":     dbus.MakeVariant(true),
			"Discovering":  dbus.MakeVariant(false),
			"UUIDs":        dbus.MakeVariant([]string{}),
		},
		"org.bluez.GattManager1": {},
		"org.bluez.LEAdvertisingManager1": {
			"ActiveInstances":    dbus.MakeVariant(byte(0)),
			"SupportedInstances": dbus.MakeVariant(byte(5)),
			"SupportedIncludes":  dbus.MakeVariant([]string{"tx-power", "appearance", "local-name"}),
		},
	}
	return b
}

// WithoutAdvertising strips the advertising manager from an already-added
// adapter, mimicking a controller without LE advertising support.
func (b *BluezTreeBuilder) WithoutAdvertising(path dbus.ObjectPath) *BluezTreeBuilder {
	if ifaces, ok := b.objects[path]; ok {
		delete(ifaces, "org.bluez.LEAdvertisingManager1")
	}
	return b
}

// WithAdvertisingProperty sets a property on an adapter's advertising manager.
func (b *BluezTreeBuilder) WithAdvertisingProperty(path dbus.ObjectPath, name string, value interface{}) *BluezTreeBuilder {
	if ifaces, ok := b.objects[path]; ok {
		if props, ok := ifaces["org.bluez.LEAdvertisingManager1"]; ok {
			props[name] = dbus.MakeVariant(value)
		}
	}
	return b
}

// WithAdapterAlias overrides the alias of an already-added adapter.
func (b *BluezTreeBuilder) WithAdapterAlias(path dbus.ObjectPath, alias string) *BluezTreeBuilder {
	if ifaces, ok := b.objects[path]; ok {
		if props, ok := ifaces["org.bluez.Adapter1"]; ok {
			props["Alias"] = dbus.MakeVariant(alias)
		}
	}
	return b
}

// WithDevice adds a remote device object under an adapter.
func (b *BluezTreeBuilder) WithDevice(path dbus.ObjectPath, address string, connected bool) *BluezTreeBuilder {
	b.objects[path] = map[string]map[string]dbus.Variant{
		"org.bluez.Device1": {
			"Address":   dbus.MakeVariant(address),
			"Alias":     dbus.MakeVariant("fake-device"),
			"Connected": dbus.MakeVariant(connected),
			"Paired":    dbus.MakeVariant(false),
		},
	}
	return b
}

// Build returns the tree in GetManagedObjects wire shape.
func (b *BluezTreeBuilder) Build() map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	return b.objects
}

// InstallOn scripts the tree as the root object's GetManagedObjects reply on
// the given bus. Repeated calls see the same tree.
func (b *BluezTreeBuilder) InstallOn(bus *FakeBus) *BluezTreeBuilder {
	tree := b.Build()
	bus.At("/").Handle("org.freedesktop.DBus.ObjectManager.GetManagedObjects",
		func([]interface{}) ([]interface{}, error) {
			return []interface{}{tree}, nil
		})
	return b
}

// PropertiesChangedSignal builds a device Connected-state change signal.
func PropertiesChangedSignal(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: "org.freedesktop.DBus.Properties.PropertiesChanged",
		Body: []interface{}{iface, changed, []string{}},
	}
}

// InterfacesRemovedSignal builds an object-manager removal signal.
func InterfacesRemovedSignal(path dbus.ObjectPath, ifaces ...string) *dbus.Signal {
	return &dbus.Signal{
		Path: "/",
		Name: "org.freedesktop.DBus.ObjectManager.InterfacesRemoved",
		Body: []interface{}{path, ifaces},
	}
}

// NameOwnerChangedSignal builds a bus-name ownership change signal.
func NameOwnerChangedSignal(name, oldOwner, newOwner string) *dbus.Signal {
	return &dbus.Signal{
		Path: "/org/freedesktop/DBus",
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []interface{}{name, oldOwner, newOwner},
	}
}
