package bluez

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/jy1655/bzperi/internal/runloop"
)

// Conn is the slice of *dbus.Conn this package depends on. Narrowing the
// surface keeps the managers testable against a fake bus.
type Conn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	ReleaseName(name string) (dbus.ReleaseNameReply, error)
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	Close() error
}

// Connector opens a bus connection. Overridable so tests can substitute a
// fake bus without touching the system D-Bus daemon.
type Connector func() (Conn, error)

// SystemBusConnector returns a private connection to the system bus. A
// private connection is used because the server owns its lifecycle: Close
// must actually close it, not merely drop a reference to a shared singleton.
var SystemBusConnector Connector = func() (Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	return conn, nil
}

// ManagedObjects runs a GetManagedObjects query against the BlueZ root and
// decodes the full object tree.
func ManagedObjects(conn Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *Error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
	defer cancel()

	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := conn.Object(Service, RootPath)
	call := obj.CallWithContext(ctx, ObjectManagerInterface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, Classify(call.Err)
	}
	if err := call.Store(&managed); err != nil {
		return nil, Classify(err)
	}
	return managed, nil
}

// CallAsync issues a D-Bus method call without blocking the loop goroutine
// and posts the classified completion back onto the loop. The done callback
// therefore always runs on the loop, preserving the single-writer discipline.
func CallAsync(loop *runloop.Loop, obj dbus.BusObject, method string, timeout time.Duration, done func(*Error), args ...interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ch := make(chan *dbus.Call, 1)
	obj.GoWithContext(ctx, method, 0, ch, args...)
	go func() {
		call := <-ch
		cancel()
		loop.Post(func() {
			done(Classify(call.Err))
		})
	}()
}
