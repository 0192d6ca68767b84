package bluez

import "time"

// Well-known BlueZ bus names, paths and interfaces.
const (
	Service  = "org.bluez"
	RootPath = "/"

	AdapterInterface            = "org.bluez.Adapter1"
	DeviceInterface             = "org.bluez.Device1"
	GattManagerInterface        = "org.bluez.GattManager1"
	AdvertisingManagerInterface = "org.bluez.LEAdvertisingManager1"
	AdvertisementInterface      = "org.bluez.LEAdvertisement1"

	GattServiceInterface        = "org.bluez.GattService1"
	GattCharacteristicInterface = "org.bluez.GattCharacteristic1"
	GattDescriptorInterface     = "org.bluez.GattDescriptor1"

	ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	PropertiesInterface    = "org.freedesktop.DBus.Properties"
	IntrospectInterface    = "org.freedesktop.DBus.Introspectable"

	BusService   = "org.freedesktop.DBus"
	BusInterface = "org.freedesktop.DBus"
	BusPath      = "/org/freedesktop/DBus"
)

// Call timeouts. Advertising registration is observed to be slower than
// generic calls, hence the extended budget.
const (
	DefaultCallTimeout  = 5 * time.Second
	PropertyCallTimeout = 3 * time.Second
	AdvertiseRegTimeout = 15 * time.Second
)

// Reconnect scheduling after BlueZ drops off the bus.
const (
	reconnectDelay      = 5 * time.Second
	reconnectRetryDelay = 15 * time.Second
)
