package gatt

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/jy1655/bzperi/internal/bluez"
)

// exportConn is the connection surface the tree export needs.
type exportConn interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// Export installs the whole tree on the bus: an object-manager root plus one
// object per service, characteristic and descriptor. Successfully exported
// objects are tracked per path and skipped on a retry, so a failed batch can
// be re-run without tearing down siblings that already made it onto the bus.
func (a *Application) Export(conn exportConn) *bluez.Error {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := a.exportObject(conn, a.basePath, bluez.ObjectManagerInterface,
		&objectManager{app: a}, rootIntrospection(a.basePath)); err != nil {
		return err
	}

	for _, svc := range a.Services() {
		if err := a.exportObject(conn, svc.path, bluez.GattServiceInterface,
			nil, serviceIntrospection(svc)); err != nil {
			return err
		}
		if err := a.exportProps(conn, svc.path, bluez.GattServiceInterface, svc.properties); err != nil {
			return err
		}
		for _, chr := range svc.Characteristics() {
			if err := a.exportObject(conn, chr.path, bluez.GattCharacteristicInterface,
				&charHandler{c: chr}, charIntrospection(chr)); err != nil {
				return err
			}
			if err := a.exportProps(conn, chr.path, bluez.GattCharacteristicInterface, chr.properties); err != nil {
				return err
			}
			for _, desc := range chr.Descriptors() {
				if err := a.exportObject(conn, desc.path, bluez.GattDescriptorInterface,
					&descHandler{d: desc}, descIntrospection(desc)); err != nil {
					return err
				}
				if err := a.exportProps(conn, desc.path, bluez.GattDescriptorInterface, desc.properties); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (a *Application) exportObject(conn exportConn, path dbus.ObjectPath, iface string, handler interface{}, node *introspect.Node) *bluez.Error {
	if handler != nil {
		if err := a.exportOnce(conn, path, iface, handler); err != nil {
			return err
		}
	}
	return a.exportOnce(conn, path, bluez.IntrospectInterface, introspect.NewIntrospectable(node))
}

func (a *Application) exportProps(conn exportConn, path dbus.ObjectPath, iface string, snapshot func() map[string]dbus.Variant) *bluez.Error {
	return a.exportOnce(conn, path, bluez.PropertiesInterface, &propsHandler{iface: iface, snapshot: snapshot})
}

func (a *Application) exportOnce(conn exportConn, path dbus.ObjectPath, iface string, handler interface{}) *bluez.Error {
	key := path + dbus.ObjectPath("#"+iface)
	a.mu.Lock()
	done := a.exported[key]
	a.mu.Unlock()
	if done {
		return nil
	}
	if err := conn.Export(handler, path, iface); err != nil {
		classified := bluez.Classify(err)
		// BlueZ-side duplicates are tolerated so a re-walk after a partial
		// failure converges instead of aborting.
		if classified.Code == bluez.AlreadyExists {
			classified = nil
		} else {
			return classified
		}
	}
	a.mu.Lock()
	a.exported[key] = true
	a.mu.Unlock()
	return nil
}

// Unexport removes every exported object from the bus. Idempotent.
func (a *Application) Unexport() {
	a.mu.Lock()
	conn := a.conn
	exported := a.exported
	a.exported = make(map[dbus.ObjectPath]bool)
	a.conn = nil
	a.mu.Unlock()

	if conn == nil {
		return
	}
	for key := range exported {
		for i := len(key) - 1; i >= 0; i-- {
			if key[i] == '#' {
				_ = conn.Export(nil, key[:i], string(key[i+1:]))
				break
			}
		}
	}
}

// Exported reports whether any object of the tree is currently on the bus.
func (a *Application) Exported() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.exported) > 0
}

func (a *Application) emitter() exportConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// managedObjects builds the GetManagedObjects reply for the GATT subtree.
func (a *Application) managedObjects() map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	for _, svc := range a.Services() {
		out[svc.path] = map[string]map[string]dbus.Variant{
			bluez.GattServiceInterface: svc.properties(),
		}
		for _, chr := range svc.Characteristics() {
			out[chr.path] = map[string]map[string]dbus.Variant{
				bluez.GattCharacteristicInterface: chr.properties(),
			}
			for _, desc := range chr.Descriptors() {
				out[desc.path] = map[string]map[string]dbus.Variant{
					bluez.GattDescriptorInterface: desc.properties(),
				}
			}
		}
	}
	return out
}

func (s *Service) properties() map[string]dbus.Variant {
	chars := make([]dbus.ObjectPath, 0, s.characteristics.Len())
	for _, c := range s.Characteristics() {
		chars = append(chars, c.path)
	}
	return map[string]dbus.Variant{
		"UUID":            dbus.MakeVariant(s.uuid),
		"Primary":         dbus.MakeVariant(s.primary),
		"Characteristics": dbus.MakeVariant(chars),
	}
}

func (c *Characteristic) properties() map[string]dbus.Variant {
	descs := make([]dbus.ObjectPath, 0, c.descriptors.Len())
	for _, d := range c.Descriptors() {
		descs = append(descs, d.path)
	}
	c.mu.Lock()
	value := append([]byte(nil), c.value...)
	notifying := c.notifying
	c.mu.Unlock()
	return map[string]dbus.Variant{
		"UUID":        dbus.MakeVariant(c.uuid),
		"Service":     dbus.MakeVariant(c.service.path),
		"Flags":       dbus.MakeVariant(c.flags),
		"Value":       dbus.MakeVariant(value),
		"Notifying":   dbus.MakeVariant(notifying),
		"Descriptors": dbus.MakeVariant(descs),
	}
}

func (d *Descriptor) properties() map[string]dbus.Variant {
	d.mu.Lock()
	value := append([]byte(nil), d.value...)
	d.mu.Unlock()
	return map[string]dbus.Variant{
		"UUID":           dbus.MakeVariant(d.uuid),
		"Characteristic": dbus.MakeVariant(d.characteristic.path),
		"Flags":          dbus.MakeVariant(d.flags),
		"Value":          dbus.MakeVariant(value),
	}
}

// SetValue caches a new value without notifying subscribers.
func (c *Characteristic) SetValue(value []byte) {
	c.mu.Lock()
	c.value = append([]byte(nil), value...)
	c.mu.Unlock()
}

// NotifyValue caches a new value and, when a client subscribed via
// StartNotify, emits PropertiesChanged so BlueZ pushes the notification.
func (c *Characteristic) NotifyValue(value []byte) error {
	c.mu.Lock()
	c.value = append([]byte(nil), value...)
	notifying := c.notifying
	c.mu.Unlock()

	conn := c.service.app.emitter()
	if !notifying || conn == nil {
		return nil
	}
	return conn.Emit(c.path, bluez.PropertiesInterface+".PropertiesChanged",
		bluez.GattCharacteristicInterface,
		map[string]dbus.Variant{"Value": dbus.MakeVariant(value)},
		[]string{})
}

// HandleUpdate runs the update callback installed with OnUpdate. Returns
// false when none is installed.
func (c *Characteristic) HandleUpdate() bool {
	if c.onUpdate == nil {
		return false
	}
	c.onUpdate(c)
	return true
}

// objectManager answers GetManagedObjects for the application subtree, which
// is how BlueZ discovers the tree during RegisterApplication.
type objectManager struct {
	app *Application
}

func (om *objectManager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	return om.app.managedObjects(), nil
}

type charHandler struct {
	c *Characteristic
}

func (h *charHandler) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	c := h.c
	if c.onRead == nil {
		return c.Value(), nil
	}
	value, err := c.onRead()
	if err != nil {
		return nil, dbus.NewError("org.bluez.Error.Failed", []interface{}{err.Error()})
	}
	c.SetValue(value)
	return value, nil
}

func (h *charHandler) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	c := h.c
	if c.onWrite == nil {
		return dbus.NewError("org.bluez.Error.NotPermitted", []interface{}{"characteristic is not writable"})
	}
	if err := c.onWrite(value); err != nil {
		return dbus.NewError("org.bluez.Error.Failed", []interface{}{err.Error()})
	}
	c.SetValue(value)
	return nil
}

func (h *charHandler) StartNotify() *dbus.Error {
	h.c.mu.Lock()
	h.c.notifying = true
	h.c.mu.Unlock()
	return nil
}

func (h *charHandler) StopNotify() *dbus.Error {
	h.c.mu.Lock()
	h.c.notifying = false
	h.c.mu.Unlock()
	return nil
}

type descHandler struct {
	d *Descriptor
}

func (h *descHandler) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	d := h.d
	if d.onRead == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		return append([]byte(nil), d.value...), nil
	}
	value, err := d.onRead()
	if err != nil {
		return nil, dbus.NewError("org.bluez.Error.Failed", []interface{}{err.Error()})
	}
	d.mu.Lock()
	d.value = append([]byte(nil), value...)
	d.mu.Unlock()
	return value, nil
}

func (h *descHandler) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	d := h.d
	if d.onWrite == nil {
		return dbus.NewError("org.bluez.Error.NotPermitted", []interface{}{"descriptor is not writable"})
	}
	if err := d.onWrite(value); err != nil {
		return dbus.NewError("org.bluez.Error.Failed", []interface{}{err.Error()})
	}
	d.mu.Lock()
	d.value = append([]byte(nil), value...)
	d.mu.Unlock()
	return nil
}

// propsHandler serves org.freedesktop.DBus.Properties with a live snapshot,
// so Value and Notifying reads reflect current state.
type propsHandler struct {
	iface    string
	snapshot func() map[string]dbus.Variant
}

func (h *propsHandler) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	if iface != h.iface {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", []interface{}{iface})
	}
	v, ok := h.snapshot()[name]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", []interface{}{name})
	}
	return v, nil
}

func (h *propsHandler) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != h.iface {
		return map[string]dbus.Variant{}, nil
	}
	return h.snapshot(), nil
}

func (h *propsHandler) Set(iface, name string, value dbus.Variant) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly", []interface{}{name})
}

func rootIntrospection(path dbus.ObjectPath) *introspect.Node {
	return &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    bluez.ObjectManagerInterface,
				Methods: []introspect.Method{{Name: "GetManagedObjects"}},
			},
		},
	}
}

func serviceIntrospection(s *Service) *introspect.Node {
	return &introspect.Node{
		Name: string(s.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: bluez.GattServiceInterface,
				Properties: []introspect.Property{
					{Name: "UUID", Type: "s", Access: "read"},
					{Name: "Primary", Type: "b", Access: "read"},
					{Name: "Characteristics", Type: "ao", Access: "read"},
				},
			},
		},
	}
}

func charIntrospection(c *Characteristic) *introspect.Node {
	return &introspect.Node{
		Name: string(c.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: bluez.GattCharacteristicInterface,
				Methods: []introspect.Method{
					{Name: "ReadValue"},
					{Name: "WriteValue"},
					{Name: "StartNotify"},
					{Name: "StopNotify"},
				},
				Properties: []introspect.Property{
					{Name: "UUID", Type: "s", Access: "read"},
					{Name: "Service", Type: "o", Access: "read"},
					{Name: "Flags", Type: "as", Access: "read"},
					{Name: "Value", Type: "ay", Access: "read"},
					{Name: "Notifying", Type: "b", Access: "read"},
					{Name: "Descriptors", Type: "ao", Access: "read"},
				},
			},
		},
	}
}

func descIntrospection(d *Descriptor) *introspect.Node {
	return &introspect.Node{
		Name: string(d.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: bluez.GattDescriptorInterface,
				Methods: []introspect.Method{
					{Name: "ReadValue"},
					{Name: "WriteValue"},
				},
				Properties: []introspect.Property{
					{Name: "UUID", Type: "s", Access: "read"},
					{Name: "Characteristic", Type: "o", Access: "read"},
					{Name: "Flags", Type: "as", Access: "read"},
					{Name: "Value", Type: "ay", Access: "read"},
				},
			},
		},
	}
}
