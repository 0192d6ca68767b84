package bluez

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/jy1655/bzperi/internal/groutine"
	"github.com/jy1655/bzperi/internal/runloop"
)

// AdapterInfo is a snapshot of one discovered radio. Not live-bound; re-run
// discovery to see changes.
type AdapterInfo struct {
	Path         dbus.ObjectPath
	Address      string
	Name         string
	Alias        string
	Powered      bool
	Discoverable bool
	Connectable  bool
	Pairable     bool
	Discovering  bool
	UUIDs        []string
}

// DeviceInfo tracks one remote device seen on the bus.
type DeviceInfo struct {
	Path      dbus.ObjectPath
	Address   string
	Alias     string
	Connected bool
}

// Capabilities summarizes what the running BlueZ exposes on the selected
// adapter. Populated best-effort during initialization.
type Capabilities struct {
	GattRegistration     bool
	Advertising          bool
	AdvertisingInstances uint8
	SupportedIncludes    []string
	AcquireWrite         bool
	AcquireNotify        bool
	ExtendedAdvertising  bool
}

// readonlyAdapterProps are Adapter1 properties BlueZ will never accept a
// write for; rejecting them locally gives a clearer error than a bus trip.
var readonlyAdapterProps = map[string]bool{
	"Address":              true,
	"AddressType":          true,
	"Name":                 true,
	"Class":                true,
	"UUIDs":                true,
	"Modalias":             true,
	"Roles":                true,
	"ExperimentalFeatures": true,
}

// ConnectionCallback is invoked on the loop goroutine whenever a remote
// device connects or disconnects.
type ConnectionCallback func(path dbus.ObjectPath, connected bool)

// AdapterManager coordinates one local adapter: discovery and selection,
// property configuration, advertising (through Advertisement), connected
// device tracking, and recovery when bluetoothd drops off the bus.
//
// All fields except devices and connCount are owned by the loop goroutine.
// The device map and counter are written on the loop but may be read from
// any goroutine; stored DeviceInfo values are immutable, every state change
// replaces the entry.
type AdapterManager struct {
	log       *logrus.Entry
	loop      *runloop.Loop
	connector Connector

	conn     Conn
	ownsConn bool
	hint     string

	sigCh   chan *dbus.Signal
	sigHalt chan struct{}
	matches [][]dbus.MatchOption

	initialized bool
	adapters    []AdapterInfo
	adapterPath dbus.ObjectPath
	caps        Capabilities

	devices   *hashmap.Map[string, *DeviceInfo]
	connCount atomic.Int32
	onConnect ConnectionCallback

	advPath        dbus.ObjectPath
	adv            *Advertisement
	advRetry       *runloop.Timer
	propRetries    map[string]*runloop.Timer
	wasAdvertising bool
	reconnect      *runloop.Timer

	retryPolicy Policy
	advPolicy   Policy
}

// NewAdapterManager builds an uninitialized manager bound to the given loop.
func NewAdapterManager(loop *runloop.Loop, log *logrus.Logger) *AdapterManager {
	if log == nil {
		log = logrus.New()
	}
	return &AdapterManager{
		log:         log.WithField("component", "adapter"),
		loop:        loop,
		connector:   SystemBusConnector,
		devices:     hashmap.New[string, *DeviceInfo](),
		propRetries: make(map[string]*runloop.Timer),
		advPath:     "/com/bzperi/advertisement0",
		retryPolicy: DefaultRetryPolicy(),
		advPolicy:   AdvertisingRetryPolicy(),
	}
}

// OnConnection registers the connection callback. Set before Initialize.
func (m *AdapterManager) OnConnection(cb ConnectionCallback) { m.onConnect = cb }

// SetRetryPolicies overrides the backoff policies for generic property
// operations and advertising registration.
func (m *AdapterManager) SetRetryPolicies(generic, advertising Policy) {
	m.retryPolicy = generic
	m.advPolicy = advertising
}

// Initialize discovers adapters, selects one, subscribes to bus signals and
// probes capabilities. Idempotent: a second call without an intervening
// Shutdown returns success without touching the bus. A nil conn makes the
// manager open (and own) its own connection. Must run on the loop goroutine.
func (m *AdapterManager) Initialize(conn Conn, preferredHint string) *Error {
	if m.initialized {
		return nil
	}
	m.hint = preferredHint

	if conn != nil {
		m.conn = conn
		m.ownsConn = false
	} else if m.conn == nil {
		c, err := m.connector()
		if err != nil {
			return Classify(err)
		}
		m.conn = c
		m.ownsConn = true
	}

	if err := m.discoverAdapters(); err != nil {
		return err
	}
	if len(m.adapters) == 0 {
		return NewError(NotFound, "no Bluetooth adapters available")
	}

	selected := m.selectAdapter(preferredHint)
	m.adapterPath = selected.Path
	m.log.WithFields(logrus.Fields{
		"path":    selected.Path,
		"address": selected.Address,
		"powered": selected.Powered,
	}).Info("Adapter selected")

	if err := m.subscribe(); err != nil {
		return err
	}
	m.detectCapabilities()

	m.initialized = true
	return nil
}

// Shutdown tears the manager back down to its constructed state. Idempotent.
// Every outstanding timer is cancelled before the state it closes over is
// released. Must run on the loop goroutine.
func (m *AdapterManager) Shutdown() {
	if m.advRetry != nil {
		m.advRetry.Stop()
		m.advRetry = nil
	}
	for name, t := range m.propRetries {
		t.Stop()
		delete(m.propRetries, name)
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.adv != nil {
		if m.adv.IsRegistered() && m.conn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), PropertyCallTimeout)
			obj := m.conn.Object(Service, m.adapterPath)
			if call := obj.CallWithContext(ctx, AdvertisingManagerInterface+".UnregisterAdvertisement", 0, m.adv.Path()); call.Err != nil {
				m.log.WithField("error", call.Err).Debug("Advertisement unregistration failed")
			}
			cancel()
		}
		m.adv.Unexport()
		m.adv = nil
	}
	m.unsubscribe()

	m.devices.Range(func(k string, _ *DeviceInfo) bool {
		m.devices.Del(k)
		return true
	})
	m.connCount.Store(0)
	m.adapters = nil
	m.adapterPath = ""
	m.caps = Capabilities{}

	if m.ownsConn && m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
		m.ownsConn = false
	}
	m.initialized = false
}

// Initialized reports whether Initialize has completed.
func (m *AdapterManager) Initialized() bool { return m.initialized }

// Adapters returns the discovery snapshot from the last Initialize.
func (m *AdapterManager) Adapters() []AdapterInfo { return m.adapters }

// AdapterPath returns the selected adapter's object path.
func (m *AdapterManager) AdapterPath() dbus.ObjectPath { return m.adapterPath }

// Caps returns the capability probe results.
func (m *AdapterManager) Caps() Capabilities { return m.caps }

// SubscriptionCount reports how many signal match rules are installed.
func (m *AdapterManager) SubscriptionCount() int { return len(m.matches) }

// ConnectionCount is safe to read from any goroutine.
func (m *AdapterManager) ConnectionCount() int { return int(m.connCount.Load()) }

// ConnectedDevices returns a snapshot of devices currently connected.
func (m *AdapterManager) ConnectedDevices() []DeviceInfo {
	var out []DeviceInfo
	m.devices.Range(func(_ string, d *DeviceInfo) bool {
		if d.Connected {
			out = append(out, *d)
		}
		return true
	})
	return out
}

func (m *AdapterManager) discoverAdapters() *Error {
	managed, err := m.managedObjects()
	if err != nil {
		return err
	}

	m.adapters = m.adapters[:0]
	for path, ifaces := range managed {
		if props, ok := ifaces[AdapterInterface]; ok {
			m.adapters = append(m.adapters, adapterFromProps(path, props))
		}
		if props, ok := ifaces[DeviceInterface]; ok {
			d := deviceFromProps(path, props)
			m.devices.Set(string(path), d)
			if d.Connected {
				m.connCount.Add(1)
			}
		}
	}
	return nil
}

func (m *AdapterManager) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *Error) {
	return ManagedObjects(m.conn)
}

// selectAdapter picks by hint match first, then first powered, then first
// discovered. Callers must ensure at least one adapter exists.
func (m *AdapterManager) selectAdapter(hint string) AdapterInfo {
	if hint != "" {
		needle := strings.ToLower(hint)
		for _, a := range m.adapters {
			if string(a.Path) == hint || strings.EqualFold(a.Address, hint) {
				return a
			}
		}
		for _, a := range m.adapters {
			haystack := strings.ToLower(string(a.Path) + " " + a.Address + " " + a.Name + " " + a.Alias)
			if strings.Contains(haystack, needle) {
				return a
			}
		}
		m.log.WithField("hint", hint).Warn("Preferred adapter not found, falling back")
	}
	for _, a := range m.adapters {
		if a.Powered {
			return a
		}
	}
	return m.adapters[0]
}

func (m *AdapterManager) subscribe() *Error {
	rules := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(Service),
			dbus.WithMatchInterface(PropertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
		},
		{
			dbus.WithMatchSender(Service),
			dbus.WithMatchInterface(ObjectManagerInterface),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchSender(Service),
			dbus.WithMatchInterface(ObjectManagerInterface),
			dbus.WithMatchMember("InterfacesRemoved"),
		},
		{
			dbus.WithMatchSender(BusService),
			dbus.WithMatchInterface(BusInterface),
			dbus.WithMatchMember("NameOwnerChanged"),
			dbus.WithMatchOption("arg0", Service),
		},
	}

	for i, rule := range rules {
		if err := m.conn.AddMatchSignal(rule...); err != nil {
			// Unwind the rules already installed so a failed initialize
			// leaves no dangling subscriptions.
			for j := i - 1; j >= 0; j-- {
				_ = m.conn.RemoveMatchSignal(rules[j]...)
			}
			return Classify(err)
		}
		m.matches = append(m.matches, rule)
	}

	m.sigCh = make(chan *dbus.Signal, 32)
	m.sigHalt = make(chan struct{})
	m.conn.Signal(m.sigCh)

	halt := m.sigHalt
	ch := m.sigCh
	groutine.Go(context.Background(), "bluez-signal-pump", func(context.Context) {
		for {
			select {
			case <-halt:
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if sig == nil {
					continue
				}
				m.loop.Post(func() { m.handleSignal(sig) })
			}
		}
	})
	return nil
}

func (m *AdapterManager) unsubscribe() {
	if m.conn != nil {
		for i := len(m.matches) - 1; i >= 0; i-- {
			_ = m.conn.RemoveMatchSignal(m.matches[i]...)
		}
		if m.sigCh != nil {
			m.conn.RemoveSignal(m.sigCh)
		}
	}
	m.matches = nil
	if m.sigHalt != nil {
		close(m.sigHalt)
		m.sigHalt = nil
	}
	m.sigCh = nil
}

// detectCapabilities probes the selected adapter for the interfaces and
// advertising limits this server cares about. Failures downgrade to logged
// warnings; capabilities default to pessimistic values.
func (m *AdapterManager) detectCapabilities() {
	managed, err := m.managedObjects()
	if err != nil {
		m.log.WithField("error", err).Warn("Capability probe failed")
		return
	}
	ifaces, ok := managed[m.adapterPath]
	if !ok {
		return
	}
	_, m.caps.GattRegistration = ifaces[GattManagerInterface]
	advProps, hasAdv := ifaces[AdvertisingManagerInterface]
	m.caps.Advertising = hasAdv
	if hasAdv {
		if v, ok := advProps["SupportedInstances"]; ok {
			if n, ok := v.Value().(byte); ok {
				m.caps.AdvertisingInstances = n
			}
		}
		if v, ok := advProps["SupportedIncludes"]; ok {
			if s, ok := v.Value().([]string); ok {
				m.caps.SupportedIncludes = s
			}
		}
		// SupportedIncludes is only published by bluetoothd releases that
		// also carry acquire-based characteristic transfer; secondary
		// channels appear with extended-advertising controllers.
		m.caps.AcquireWrite = len(m.caps.SupportedIncludes) > 0
		m.caps.AcquireNotify = m.caps.AcquireWrite
		_, m.caps.ExtendedAdvertising = advProps["SupportedSecondaryChannels"]
	}
	m.log.WithFields(logrus.Fields{
		"gatt":        m.caps.GattRegistration,
		"advertising": m.caps.Advertising,
		"instances":   m.caps.AdvertisingInstances,
	}).Debug("Adapter capabilities")
}

// SetPowered switches the adapter radio on or off.
func (m *AdapterManager) SetPowered(on bool) *Error {
	return m.setAdapterProperty("Powered", on)
}

// SetName sets the adapter's Alias. The Name property itself is read-only
// in BlueZ; Alias is the writable user-facing identity.
func (m *AdapterManager) SetName(name string) *Error {
	return m.setAdapterProperty("Alias", name)
}

// SetBondable controls whether the adapter accepts pairing. Maps to the
// Pairable property.
func (m *AdapterManager) SetBondable(bondable bool) *Error {
	return m.setAdapterProperty("Pairable", bondable)
}

// SetDiscoverable controls general discoverability. When enabling with a
// nonzero timeout, DiscoverableTimeout is set first so the window applies to
// this enablement.
func (m *AdapterManager) SetDiscoverable(enabled bool, timeout time.Duration) *Error {
	if enabled && timeout > 0 {
		if err := m.setAdapterProperty("DiscoverableTimeout", uint32(timeout/time.Second)); err != nil {
			return err
		}
	}
	return m.setAdapterProperty("Discoverable", enabled)
}

// SetConnectable always reports NotSupported. BlueZ manages LE
// connectability through the advertisement type, not an adapter property.
func (m *AdapterManager) SetConnectable(bool) *Error {
	return NewError(NotSupported, "connectable is managed via the advertisement type")
}

// setAdapterProperty makes one attempt and returns its outcome. A retryable
// failure additionally schedules a backoff-timed retry chain on the loop, so
// the loop goroutine never sleeps between attempts; the chain is cancelled by
// Shutdown or by a newer write to the same property.
func (m *AdapterManager) setAdapterProperty(name string, value interface{}) *Error {
	if !m.initialized {
		return NewError(NotReady, "adapter manager not initialized")
	}
	if readonlyAdapterProps[name] {
		return NewError(NotSupported, "property "+name+" is read-only")
	}

	if t := m.propRetries[name]; t != nil {
		t.Stop()
		delete(m.propRetries, name)
	}

	err := m.setPropertyOnce(name, value)
	if err == nil {
		return nil
	}
	if IsRetryable(err.Code) && m.retryPolicy.MaxAttempts > 1 {
		m.schedulePropertyRetry(name, value, 1, err)
	}
	return err
}

func (m *AdapterManager) setPropertyOnce(name string, value interface{}) *Error {
	ctx, cancel := context.WithTimeout(context.Background(), PropertyCallTimeout)
	defer cancel()
	obj := m.conn.Object(Service, m.adapterPath)
	return Classify(obj.CallWithContext(ctx, PropertiesInterface+".Set", 0,
		AdapterInterface, name, dbus.MakeVariant(value)).Err)
}

func (m *AdapterManager) schedulePropertyRetry(name string, value interface{}, attempt int, last *Error) {
	delay := m.retryPolicy.Delay(attempt)
	m.log.WithFields(logrus.Fields{
		"property": name,
		"attempt":  attempt,
		"delay":    delay,
		"error":    last,
	}).Warn("Property set failed, retrying")
	m.propRetries[name] = m.loop.After(delay, func() {
		delete(m.propRetries, name)
		if !m.initialized {
			return
		}
		err := m.setPropertyOnce(name, value)
		if err == nil {
			m.log.WithField("property", name).Info("Property set succeeded on retry")
			return
		}
		if IsRetryable(err.Code) && attempt+1 < m.retryPolicy.MaxAttempts {
			m.schedulePropertyRetry(name, value, attempt+1, err)
			return
		}
		m.log.WithFields(logrus.Fields{
			"property": name,
			"error":    err,
		}).Warn("Property set abandoned")
	})
}

// GetAdapterProperty reads one Adapter1 property from the selected adapter.
func (m *AdapterManager) GetAdapterProperty(name string) (dbus.Variant, *Error) {
	if !m.initialized {
		return dbus.Variant{}, NewError(NotReady, "adapter manager not initialized")
	}
	obj := m.conn.Object(Service, m.adapterPath)
	v, err := obj.GetProperty(AdapterInterface + "." + name)
	if err != nil {
		return dbus.Variant{}, Classify(err)
	}
	return v, nil
}

// SetAdvertisingAsync turns advertising on or off. The callback runs exactly
// once on the loop goroutine. Enabling powers the adapter first if needed
// and retries retryable registration failures under the advertising policy;
// disabling when nothing is registered is an immediate success with no bus
// traffic. Must be invoked on the loop goroutine.
func (m *AdapterManager) SetAdvertisingAsync(enabled bool, cb func(*Error)) {
	if m.advRetry != nil {
		m.advRetry.Stop()
		m.advRetry = nil
	}

	if !enabled {
		m.wasAdvertising = false
		if m.adv == nil || !m.adv.IsRegistered() {
			m.loop.Post(func() { cb(nil) })
			return
		}
		m.adv.UnregisterAsync(m.conn, m.adapterPath, cb)
		return
	}

	if !m.initialized {
		m.loop.Post(func() { cb(NewError(NotReady, "adapter manager not initialized")) })
		return
	}
	if !m.caps.Advertising {
		m.loop.Post(func() { cb(NewError(NotSupported, "adapter has no advertising manager")) })
		return
	}

	if v, err := m.GetAdapterProperty("Powered"); err == nil {
		if powered, _ := v.Value().(bool); !powered {
			m.log.Info("Powering adapter on before advertising")
			if perr := m.SetPowered(true); perr != nil {
				m.loop.Post(func() {
					cb(NewError(NotReady, "adapter could not be powered on: "+perr.Error()))
				})
				return
			}
		}
	}

	if m.adv == nil {
		m.adv = NewAdvertisement(m.loop, m.log.Logger, m.advPath)
		// 16-bit UUIDs only: they fit the 31-byte legacy payload alongside
		// the local name. Custom 128-bit services stay discoverable through
		// the GATT tree after connection.
		m.adv.SetServiceUUIDs([]string{"180A", "180F", "1805"})
		m.adv.SetIncludeTxPower(false)
	}

	var attempt int
	var try func()
	try = func() {
		attempt++
		m.adv.RegisterAsync(m.conn, m.adapterPath, func(err *Error) {
			if err == nil {
				m.advRetry = nil
				m.wasAdvertising = true
				cb(nil)
				return
			}
			if !IsRetryable(err.Code) || attempt >= m.advPolicy.MaxAttempts {
				m.advRetry = nil
				cb(err)
				return
			}
			delay := m.advPolicy.Delay(attempt)
			m.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
				"error":   err,
			}).Warn("Advertising registration failed, retrying")
			m.advRetry = m.loop.After(delay, try)
		})
	}
	try()
}

// SetAdvertising is the blocking form of SetAdvertisingAsync for callers
// that cannot structure themselves asynchronously. Must not be called from
// the loop goroutine. Bounded at 20 seconds.
func (m *AdapterManager) SetAdvertising(enabled bool) *Error {
	done := make(chan *Error, 1)
	m.loop.Post(func() {
		m.SetAdvertisingAsync(enabled, func(err *Error) { done <- err })
	})
	select {
	case err := <-done:
		return err
	case <-time.After(20 * time.Second):
		return NewError(Timeout, "advertising change did not complete")
	}
}

func (m *AdapterManager) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case PropertiesInterface + ".PropertiesChanged":
		m.handlePropertiesChanged(sig)
	case ObjectManagerInterface + ".InterfacesAdded":
		m.handleInterfacesAdded(sig)
	case ObjectManagerInterface + ".InterfacesRemoved":
		m.handleInterfacesRemoved(sig)
	case BusInterface + ".NameOwnerChanged":
		m.handleNameOwnerChanged(sig)
	}
}

func (m *AdapterManager) handlePropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)

	switch iface {
	case DeviceInterface:
		if v, ok := changed["Connected"]; ok {
			if connected, _ := v.Value().(bool); connected {
				m.handleDeviceConnected(sig.Path)
			} else {
				m.handleDeviceDisconnected(sig.Path)
			}
		}
	case AdapterInterface:
		if sig.Path != m.adapterPath {
			return
		}
		if v, ok := changed["Powered"]; ok {
			powered, _ := v.Value().(bool)
			m.log.WithField("powered", powered).Info("Adapter power state changed")
		}
	}
}

func (m *AdapterManager) handleInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	props, ok := ifaces[DeviceInterface]
	if !ok {
		return
	}
	d := deviceFromProps(path, props)
	wantConnected := d.Connected
	// Preserve the tracked connection state; the counter only moves through
	// handleDeviceConnected so it stays in step with the map.
	d.Connected = false
	if prev, existed := m.devices.Get(string(path)); existed {
		d.Connected = prev.Connected
	}
	m.devices.Set(string(path), d)
	if wantConnected {
		m.handleDeviceConnected(path)
	}
}

func (m *AdapterManager) handleInterfacesRemoved(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].([]string)
	for _, iface := range ifaces {
		if iface != DeviceInterface {
			continue
		}
		if d, ok := m.devices.Get(string(path)); ok {
			if d.Connected {
				m.handleDeviceDisconnected(path)
			}
			m.devices.Del(string(path))
		}
	}
}

func (m *AdapterManager) handleDeviceConnected(path dbus.ObjectPath) {
	nd := DeviceInfo{Path: path}
	if d, ok := m.devices.Get(string(path)); ok {
		if d.Connected {
			return
		}
		nd = *d
	}
	nd.Connected = true
	// Entries are never mutated after publication; state changes store a
	// fresh copy so ConnectedDevices can read from other goroutines.
	m.devices.Set(string(path), &nd)
	m.connCount.Add(1)
	m.log.WithFields(logrus.Fields{
		"path":    path,
		"address": nd.Address,
		"count":   m.connCount.Load(),
	}).Info("Device connected")
	if m.onConnect != nil {
		m.onConnect(path, true)
	}
}

// handleDeviceDisconnected marks the device disconnected but keeps it in
// the map; BlueZ caches device objects across connections and removal is
// signalled separately via InterfacesRemoved.
func (m *AdapterManager) handleDeviceDisconnected(path dbus.ObjectPath) {
	d, ok := m.devices.Get(string(path))
	if !ok || !d.Connected {
		return
	}
	nd := *d
	nd.Connected = false
	m.devices.Set(string(path), &nd)
	m.connCount.Add(-1)
	m.log.WithFields(logrus.Fields{
		"path":  path,
		"count": m.connCount.Load(),
	}).Info("Device disconnected")
	if m.onConnect != nil {
		m.onConnect(path, false)
	}
}

func (m *AdapterManager) handleNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if name != Service || newOwner != "" {
		return
	}
	m.log.Warn("BlueZ left the bus, scheduling recovery")
	m.scheduleRecovery()
}

// scheduleRecovery performs a delayed full reinitialization after
// bluetoothd vanishes. Best effort: a failed first attempt schedules a
// single longer-delayed initialize-only retry.
func (m *AdapterManager) scheduleRecovery() {
	readvertise := m.wasAdvertising
	conn := m.conn
	if m.ownsConn {
		// Shutdown closes an owned connection; a nil conn makes Initialize
		// open a fresh one.
		conn = nil
	}
	hint := m.hint
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	m.reconnect = m.loop.After(reconnectDelay, func() {
		m.reconnect = nil
		m.Shutdown()
		if err := m.Initialize(conn, hint); err != nil {
			m.log.WithField("error", err).Warn("Recovery failed, retrying later")
			m.reconnect = m.loop.After(reconnectRetryDelay, func() {
				m.reconnect = nil
				if err := m.Initialize(conn, hint); err != nil {
					m.log.WithField("error", err).Error("Recovery abandoned")
				}
			})
			return
		}
		m.log.Info("Recovered after BlueZ restart")
		if readvertise {
			m.wasAdvertising = readvertise
			m.SetAdvertisingAsync(true, func(err *Error) {
				if err != nil {
					m.log.WithField("error", err).Warn("Re-advertising after recovery failed")
				}
			})
		}
	})
}

func adapterFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) AdapterInfo {
	return AdapterInfo{
		Path:         path,
		Address:      variantString(props, "Address"),
		Name:         variantString(props, "Name"),
		Alias:        variantString(props, "Alias"),
		Powered:      variantBool(props, "Powered"),
		Discoverable: variantBool(props, "Discoverable"),
		Connectable:  variantBool(props, "Connectable"),
		Pairable:     variantBool(props, "Pairable"),
		Discovering:  variantBool(props, "Discovering"),
		UUIDs:        variantStrings(props, "UUIDs"),
	}
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) *DeviceInfo {
	return &DeviceInfo{
		Path:      path,
		Address:   variantString(props, "Address"),
		Alias:     variantString(props, "Alias"),
		Connected: variantBool(props, "Connected"),
	}
}

func variantString(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func variantBool(props map[string]dbus.Variant, key string) bool {
	if v, ok := props[key]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

func variantStrings(props map[string]dbus.Variant, key string) []string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().([]string); ok {
			return s
		}
	}
	return nil
}
