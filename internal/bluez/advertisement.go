package bluez

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/sirupsen/logrus"

	"github.com/jy1655/bzperi/internal/runloop"
)

// Advertisement owns a single org.bluez.LEAdvertisement1 object exported on
// the bus, and its registration with the adapter's advertising manager.
//
// State machine: unexported -> exported -> registered. All mutation happens
// on the loop goroutine; D-Bus handler callbacks (Release, property reads)
// are posted back onto it or serve an immutable snapshot taken at export.
type Advertisement struct {
	log  *logrus.Entry
	loop *runloop.Loop
	path dbus.ObjectPath

	advType        string
	serviceUUIDs   []string
	includeTxPower bool

	conn       Conn
	exported   bool
	registered bool
}

// NewAdvertisement creates an unexported advertisement at the given object
// path. The default configuration is a connectable peripheral advertisement
// with tx-power excluded to preserve the 31-byte legacy payload budget.
func NewAdvertisement(loop *runloop.Loop, log *logrus.Logger, path dbus.ObjectPath) *Advertisement {
	if log == nil {
		log = logrus.New()
	}
	return &Advertisement{
		log:     log.WithField("path", path),
		loop:    loop,
		path:    path,
		advType: "peripheral",
	}
}

// SetServiceUUIDs replaces the advertised service UUID list. Only effective
// before Export.
func (a *Advertisement) SetServiceUUIDs(uuids []string) {
	a.serviceUUIDs = append([]string(nil), uuids...)
}

// SetType sets the advertisement type ("peripheral" or "broadcast"). Only
// effective before Export.
func (a *Advertisement) SetType(t string) { a.advType = t }

// SetIncludeTxPower toggles the tx-power entry of Includes. Only effective
// before Export.
func (a *Advertisement) SetIncludeTxPower(include bool) { a.includeTxPower = include }

// Path returns the advertisement object path.
func (a *Advertisement) Path() dbus.ObjectPath { return a.path }

// IsExported reports whether the object is currently on the bus.
func (a *Advertisement) IsExported() bool { return a.exported }

// IsRegistered reports whether BlueZ currently holds the registration.
func (a *Advertisement) IsRegistered() bool { return a.registered }

// Includes returns the Includes property value. "local-name" is always
// present so the adapter alias shows up in advertising data.
func (a *Advertisement) Includes() []string {
	includes := []string{"local-name"}
	if a.includeTxPower {
		includes = append(includes, "tx-power")
	}
	return includes
}

// advHandler is the bus-facing method surface of the advertisement.
type advHandler struct {
	release func()
}

// Release is invoked by BlueZ when it revokes the advertisement, typically
// on adapter power-cycle.
func (h *advHandler) Release() *dbus.Error {
	h.release()
	return nil
}

// Export installs the advertisement object on the bus. Exporting twice is
// reported as InProgress rather than re-exported.
func (a *Advertisement) Export(conn Conn) *Error {
	if a.exported {
		return NewError(InProgress, "advertisement already exported")
	}

	handler := &advHandler{release: func() {
		a.loop.Post(func() {
			a.log.Warn("Advertisement released by BlueZ")
			a.registered = false
		})
	}}
	props := map[string]dbus.Variant{
		"Type":         dbus.MakeVariant(a.advType),
		"ServiceUUIDs": dbus.MakeVariant(append([]string(nil), a.serviceUUIDs...)),
		"Includes":     dbus.MakeVariant(a.Includes()),
	}

	if err := conn.Export(handler, a.path, AdvertisementInterface); err != nil {
		a.log.WithError(err).Warn("Failed to export advertisement")
		return Classify(err)
	}
	if err := conn.Export(newPropsHandler(AdvertisementInterface, props), a.path, PropertiesInterface); err != nil {
		_ = conn.Export(nil, a.path, AdvertisementInterface)
		return Classify(err)
	}
	node := &introspect.Node{
		Name: string(a.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    AdvertisementInterface,
				Methods: []introspect.Method{{Name: "Release"}},
				Properties: []introspect.Property{
					{Name: "Type", Type: "s", Access: "read"},
					{Name: "ServiceUUIDs", Type: "as", Access: "read"},
					{Name: "Includes", Type: "as", Access: "read"},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), a.path, IntrospectInterface); err != nil {
		_ = conn.Export(nil, a.path, AdvertisementInterface)
		_ = conn.Export(nil, a.path, PropertiesInterface)
		return Classify(err)
	}

	a.conn = conn
	a.exported = true
	a.log.Debug("Advertisement exported")
	return nil
}

// Unexport removes the advertisement object from the bus. Idempotent and
// safe on teardown paths.
func (a *Advertisement) Unexport() {
	if !a.exported || a.conn == nil {
		return
	}
	_ = a.conn.Export(nil, a.path, AdvertisementInterface)
	_ = a.conn.Export(nil, a.path, PropertiesInterface)
	_ = a.conn.Export(nil, a.path, IntrospectInterface)
	a.exported = false
	a.registered = false
	a.conn = nil
	a.log.Debug("Advertisement unexported")
}

// RegisterAsync registers the advertisement with the adapter's advertising
// manager, exporting the object first if needed. The callback runs exactly
// once on the loop. Registration when already registered is a success with
// no bus traffic.
func (a *Advertisement) RegisterAsync(conn Conn, adapterPath dbus.ObjectPath, cb func(*Error)) {
	if a.registered {
		a.loop.Post(func() { cb(nil) })
		return
	}
	if !a.exported {
		if err := a.Export(conn); err != nil {
			a.loop.Post(func() { cb(err) })
			return
		}
	}

	obj := conn.Object(Service, adapterPath)
	CallAsync(a.loop, obj, AdvertisingManagerInterface+".RegisterAdvertisement", AdvertiseRegTimeout,
		func(err *Error) {
			if err != nil {
				a.log.WithField("error", err).Warn("RegisterAdvertisement failed")
				cb(err)
				return
			}
			a.registered = true
			a.log.Info("Advertisement registered")
			cb(nil)
		},
		a.path, map[string]dbus.Variant{})
}

// UnregisterAsync removes the registration and takes the object off the
// bus. Not being registered is a success, not an error. The object is torn
// down on completion regardless of the call outcome: BlueZ forgets revoked
// advertisements and retrying an unregister is never useful.
func (a *Advertisement) UnregisterAsync(conn Conn, adapterPath dbus.ObjectPath, cb func(*Error)) {
	if !a.registered {
		a.loop.Post(func() { cb(nil) })
		return
	}

	obj := conn.Object(Service, adapterPath)
	CallAsync(a.loop, obj, AdvertisingManagerInterface+".UnregisterAdvertisement", DefaultCallTimeout,
		func(err *Error) {
			a.registered = false
			a.Unexport()
			if err != nil {
				a.log.WithField("error", err).Warn("UnregisterAdvertisement failed")
			} else {
				a.log.Info("Advertisement unregistered")
			}
			cb(err)
		},
		a.path)
}
