// Package gatt declares a GATT application tree and exports it over D-Bus
// for registration with BlueZ. Services, characteristics and descriptors are
// named nodes; object paths are derived from the names, so the same
// declaration always yields the same bus layout.
package gatt

import (
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ReadFunc produces the current value of a characteristic or descriptor.
type ReadFunc func() ([]byte, error)

// WriteFunc applies a client write.
type WriteFunc func(value []byte) error

// UpdateFunc reacts to a server-side data change delivered through the
// update queue.
type UpdateFunc func(c *Characteristic)

// Application is the root of a GATT object tree rooted at a base path.
type Application struct {
	basePath dbus.ObjectPath
	services *orderedmap.OrderedMap[string, *Service]

	mu       sync.Mutex
	exported map[dbus.ObjectPath]bool
	conn     exportConn
}

// NewApplication creates an empty tree rooted at basePath.
func NewApplication(basePath dbus.ObjectPath) *Application {
	return &Application{
		basePath: basePath,
		services: orderedmap.New[string, *Service](),
		exported: make(map[dbus.ObjectPath]bool),
	}
}

// Path returns the root object path.
func (a *Application) Path() dbus.ObjectPath { return a.basePath }

// Service adds (or returns the existing) service node with the given name.
func (a *Application) Service(name, uuid string) *Service {
	if s, ok := a.services.Get(name); ok {
		return s
	}
	s := &Service{
		app:             a,
		name:            name,
		uuid:            uuid,
		primary:         true,
		path:            childPath(a.basePath, name),
		characteristics: orderedmap.New[string, *Characteristic](),
	}
	a.services.Set(name, s)
	return s
}

// Services returns the services in declaration order.
func (a *Application) Services() []*Service {
	out := make([]*Service, 0, a.services.Len())
	for pair := a.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// CharacteristicAt resolves an object path to its characteristic.
func (a *Application) CharacteristicAt(path dbus.ObjectPath) (*Characteristic, bool) {
	for pair := a.services.Oldest(); pair != nil; pair = pair.Next() {
		for cp := pair.Value.characteristics.Oldest(); cp != nil; cp = cp.Next() {
			if cp.Value.path == path {
				return cp.Value, true
			}
		}
	}
	return nil, false
}

// Service is one GATT service node.
type Service struct {
	app             *Application
	name            string
	uuid            string
	primary         bool
	path            dbus.ObjectPath
	characteristics *orderedmap.OrderedMap[string, *Characteristic]
}

// Path returns the service's object path.
func (s *Service) Path() dbus.ObjectPath { return s.path }

// UUID returns the service UUID.
func (s *Service) UUID() string { return s.uuid }

// Secondary marks the service as a secondary (included) service.
func (s *Service) Secondary() *Service {
	s.primary = false
	return s
}

// Characteristic adds (or returns the existing) characteristic node.
func (s *Service) Characteristic(name, uuid string, flags ...string) *Characteristic {
	if c, ok := s.characteristics.Get(name); ok {
		return c
	}
	c := &Characteristic{
		service:     s,
		name:        name,
		uuid:        uuid,
		flags:       flags,
		path:        childPath(s.path, name),
		descriptors: orderedmap.New[string, *Descriptor](),
	}
	s.characteristics.Set(name, c)
	return c
}

// Characteristics returns the characteristics in declaration order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, s.characteristics.Len())
	for pair := s.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Characteristic is one GATT characteristic node with its value callbacks.
type Characteristic struct {
	service     *Service
	name        string
	uuid        string
	flags       []string
	path        dbus.ObjectPath
	descriptors *orderedmap.OrderedMap[string, *Descriptor]

	onRead   ReadFunc
	onWrite  WriteFunc
	onUpdate UpdateFunc

	mu        sync.Mutex
	value     []byte
	notifying bool
}

// Path returns the characteristic's object path.
func (c *Characteristic) Path() dbus.ObjectPath { return c.path }

// UUID returns the characteristic UUID.
func (c *Characteristic) UUID() string { return c.uuid }

// Flags returns the declared GATT flags.
func (c *Characteristic) Flags() []string { return c.flags }

// OnRead installs the read callback and returns the characteristic for
// chaining.
func (c *Characteristic) OnRead(fn ReadFunc) *Characteristic {
	c.onRead = fn
	return c
}

// OnWrite installs the write callback.
func (c *Characteristic) OnWrite(fn WriteFunc) *Characteristic {
	c.onWrite = fn
	return c
}

// OnUpdate installs the update-queue callback.
func (c *Characteristic) OnUpdate(fn UpdateFunc) *Characteristic {
	c.onUpdate = fn
	return c
}

// Descriptor adds (or returns the existing) descriptor node.
func (c *Characteristic) Descriptor(name, uuid string, flags ...string) *Descriptor {
	if d, ok := c.descriptors.Get(name); ok {
		return d
	}
	d := &Descriptor{
		characteristic: c,
		name:           name,
		uuid:           uuid,
		flags:          flags,
		path:           childPath(c.path, name),
	}
	c.descriptors.Set(name, d)
	return d
}

// Descriptors returns the descriptors in declaration order.
func (c *Characteristic) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, c.descriptors.Len())
	for pair := c.descriptors.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Value returns the cached value.
func (c *Characteristic) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...)
}

// Notifying reports whether a client has an active notify session.
func (c *Characteristic) Notifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifying
}

// Descriptor is one GATT descriptor node.
type Descriptor struct {
	characteristic *Characteristic
	name           string
	uuid           string
	flags          []string
	path           dbus.ObjectPath

	onRead  ReadFunc
	onWrite WriteFunc

	mu    sync.Mutex
	value []byte
}

// Path returns the descriptor's object path.
func (d *Descriptor) Path() dbus.ObjectPath { return d.path }

// UUID returns the descriptor UUID.
func (d *Descriptor) UUID() string { return d.uuid }

// OnRead installs the read callback.
func (d *Descriptor) OnRead(fn ReadFunc) *Descriptor {
	d.onRead = fn
	return d
}

// OnWrite installs the write callback.
func (d *Descriptor) OnWrite(fn WriteFunc) *Descriptor {
	d.onWrite = fn
	return d
}

// childPath appends a sanitized name element to a parent path. D-Bus path
// elements allow only [A-Za-z0-9_].
func childPath(parent dbus.ObjectPath, name string) dbus.ObjectPath {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return parent + dbus.ObjectPath("/"+b.String())
}
