// Package testutils provides an in-memory D-Bus fake for exercising the
// BlueZ-facing managers without a bus daemon or real adapter hardware.
package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// CallRecord captures one method call issued through the fake bus.
type CallRecord struct {
	Destination string
	Path        dbus.ObjectPath
	Method      string
	Args        []interface{}
}

// MethodHandler scripts a response for a method call. Returning an error
// fails the call; the body becomes the reply payload.
type MethodHandler func(args []interface{}) ([]interface{}, error)

// FakeBus implements the connection surface the bluez package depends on.
// All methods are safe for concurrent use.
type FakeBus struct {
	mu sync.Mutex

	objects map[dbus.ObjectPath]*FakeObject
	exports map[string]interface{}
	matches int
	signals []chan<- *dbus.Signal

	RequestNameReply dbus.RequestNameReply
	RequestNameErr   error
	ExportErr        error
	AddMatchErr      error
	Closed           bool

	emissions []CallRecord
}

// NewFakeBus returns a bus that grants name ownership and accepts every
// export by default.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		objects:          make(map[dbus.ObjectPath]*FakeObject),
		exports:          make(map[string]interface{}),
		RequestNameReply: dbus.RequestNameReplyPrimaryOwner,
	}
}

// Object returns the fake object at path, creating it on first use.
func (b *FakeBus) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[path]
	if !ok {
		obj = newFakeObject(dest, path)
		b.objects[path] = obj
	}
	return obj
}

// At is Object with the concrete fake type, for scripting replies in tests.
func (b *FakeBus) At(path dbus.ObjectPath) *FakeObject {
	return b.Object("org.bluez", path).(*FakeObject)
}

func exportKey(path dbus.ObjectPath, iface string) string {
	return string(path) + "#" + iface
}

func (b *FakeBus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ExportErr != nil {
		return b.ExportErr
	}
	if v == nil {
		delete(b.exports, exportKey(path, iface))
		return nil
	}
	b.exports[exportKey(path, iface)] = v
	return nil
}

// Exported reports whether a handler is installed at path for iface.
func (b *FakeBus) Exported(path dbus.ObjectPath, iface string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exports[exportKey(path, iface)]
	return ok
}

// ExportedHandler returns the installed handler, nil if absent.
func (b *FakeBus) ExportedHandler(path dbus.ObjectPath, iface string) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exports[exportKey(path, iface)]
}

// ExportCount returns how many (path, interface) handlers are installed.
func (b *FakeBus) ExportCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exports)
}

func (b *FakeBus) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.RequestNameErr != nil {
		return 0, b.RequestNameErr
	}
	return b.RequestNameReply, nil
}

func (b *FakeBus) ReleaseName(name string) (dbus.ReleaseNameReply, error) {
	return dbus.ReleaseNameReplyReleased, nil
}

func (b *FakeBus) AddMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.AddMatchErr != nil {
		return b.AddMatchErr
	}
	b.matches++
	return nil
}

func (b *FakeBus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.matches > 0 {
		b.matches--
	}
	return nil
}

// MatchCount returns the number of currently installed match rules.
func (b *FakeBus) MatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matches
}

func (b *FakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, ch)
}

func (b *FakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.signals {
		if c == ch {
			b.signals = append(b.signals[:i], b.signals[i+1:]...)
			return
		}
	}
}

// Deliver pushes a signal to every registered channel, mimicking godbus
// delivery.
func (b *FakeBus) Deliver(sig *dbus.Signal) {
	b.mu.Lock()
	chans := append([]chan<- *dbus.Signal(nil), b.signals...)
	b.mu.Unlock()
	for _, ch := range chans {
		ch <- sig
	}
}

func (b *FakeBus) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emissions = append(b.emissions, CallRecord{Path: path, Method: name, Args: values})
	return nil
}

// Emissions returns every signal emitted through the bus so far.
func (b *FakeBus) Emissions() []CallRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CallRecord(nil), b.emissions...)
}

func (b *FakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// FakeObject is a scriptable dbus.BusObject. Reply scripts are consumed in
// order per method; the last entry repeats once the script is exhausted. An
// unscripted method succeeds with an empty body.
type FakeObject struct {
	mu sync.Mutex

	dest string
	path dbus.ObjectPath

	handlers map[string]MethodHandler
	scripts  map[string][]scriptedReply
	props    map[string]dbus.Variant

	calls []CallRecord
}

type scriptedReply struct {
	body []interface{}
	err  error
}

func newFakeObject(dest string, path dbus.ObjectPath) *FakeObject {
	return &FakeObject{
		dest:     dest,
		path:     path,
		handlers: make(map[string]MethodHandler),
		scripts:  make(map[string][]scriptedReply),
		props:    make(map[string]dbus.Variant),
	}
}

// Handle installs a dynamic handler for a fully qualified method name.
func (o *FakeObject) Handle(method string, h MethodHandler) *FakeObject {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[method] = h
	return o
}

// Reply appends a successful scripted reply for method.
func (o *FakeObject) Reply(method string, body ...interface{}) *FakeObject {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scripts[method] = append(o.scripts[method], scriptedReply{body: body})
	return o
}

// Fail appends a failing scripted reply for method.
func (o *FakeObject) Fail(method string, err error) *FakeObject {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scripts[method] = append(o.scripts[method], scriptedReply{err: err})
	return o
}

// WithProperty sets a property readable through GetProperty. The key is the
// fully qualified "interface.Member" form.
func (o *FakeObject) WithProperty(name string, value interface{}) *FakeObject {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.props[name] = dbus.MakeVariant(value)
	return o
}

// Calls returns every call recorded against this object.
func (o *FakeObject) Calls() []CallRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]CallRecord(nil), o.calls...)
}

// CallCount counts recorded calls for a fully qualified method name.
func (o *FakeObject) CallCount(method string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (o *FakeObject) dispatch(method string, args []interface{}) *dbus.Call {
	o.mu.Lock()
	o.calls = append(o.calls, CallRecord{Destination: o.dest, Path: o.path, Method: method, Args: args})
	h := o.handlers[method]
	var reply scriptedReply
	var scripted bool
	if h == nil {
		if script := o.scripts[method]; len(script) > 0 {
			reply = script[0]
			scripted = true
			if len(script) > 1 {
				o.scripts[method] = script[1:]
			}
		}
	}
	o.mu.Unlock()

	call := &dbus.Call{
		Destination: o.dest,
		Path:        o.path,
		Method:      method,
		Args:        args,
		Done:        make(chan *dbus.Call, 1),
	}
	switch {
	case h != nil:
		body, err := h(args)
		call.Body = body
		call.Err = err
	case scripted:
		call.Body = reply.body
		call.Err = reply.err
	}
	call.Done <- call
	return call
}

func (o *FakeObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.dispatch(method, args)
}

func (o *FakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	if err := ctx.Err(); err != nil {
		return &dbus.Call{Destination: o.dest, Path: o.path, Method: method, Args: args, Err: err}
	}
	return o.dispatch(method, args)
}

func (o *FakeObject) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	call := o.dispatch(method, args)
	if ch != nil {
		ch <- call
	}
	return call
}

func (o *FakeObject) GoWithContext(ctx context.Context, method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	return o.Go(method, flags, ch, args...)
}

func (o *FakeObject) AddMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return o.dispatch("org.freedesktop.DBus.AddMatch", nil)
}

func (o *FakeObject) RemoveMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return o.dispatch("org.freedesktop.DBus.RemoveMatch", nil)
}

func (o *FakeObject) GetProperty(p string) (dbus.Variant, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.props[p]
	if !ok {
		return dbus.Variant{}, dbus.Error{
			Name: "org.freedesktop.DBus.Error.InvalidArgs",
			Body: []interface{}{fmt.Sprintf("no such property %q", p)},
		}
	}
	return v, nil
}

func (o *FakeObject) StoreProperty(p string, value interface{}) error {
	v, err := o.GetProperty(p)
	if err != nil {
		return err
	}
	return dbus.Store([]interface{}{v.Value()}, value)
}

func (o *FakeObject) SetProperty(p string, v interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.props[p] = dbus.MakeVariant(v)
	return nil
}

func (o *FakeObject) Destination() string   { return o.dest }
func (o *FakeObject) Path() dbus.ObjectPath { return o.path }
