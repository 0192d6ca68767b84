package bluez

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jy1655/bzperi/internal/runloop"
	"github.com/jy1655/bzperi/internal/testutils"
)

const hci0 = dbus.ObjectPath("/org/bluez/hci0")

func newTestManager(t *testing.T, loop *runloop.Loop, bus *testutils.FakeBus) *AdapterManager {
	t.Helper()
	m := NewAdapterManager(loop, nil)
	m.SetRetryPolicies(
		Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0},
		Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2.0},
	)
	t.Cleanup(func() {
		onLoop(t, loop, m.Shutdown)
	})
	return m
}

func initManager(t *testing.T, loop *runloop.Loop, m *AdapterManager, bus *testutils.FakeBus, hint string) {
	t.Helper()
	onLoop(t, loop, func() {
		require.Nil(t, m.Initialize(bus, hint))
	})
}

func singleAdapterBus() *testutils.FakeBus {
	bus := testutils.NewFakeBus()
	testutils.NewBluezTreeBuilder().
		WithAdapter(hci0, "AA:BB:CC:DD:EE:FF", true).
		InstallOn(bus)
	bus.At(hci0).WithProperty(AdapterInterface+".Powered", true)
	return bus
}

func TestAdapterManager_InitializeSelectsAndSubscribes(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)

	initManager(t, loop, m, bus, "")

	assert.True(t, m.Initialized())
	assert.Equal(t, hci0, m.AdapterPath())
	assert.Equal(t, 4, m.SubscriptionCount())
	assert.Equal(t, 4, bus.MatchCount())
	assert.True(t, m.Caps().GattRegistration)
	assert.True(t, m.Caps().Advertising)
	assert.Equal(t, uint8(5), m.Caps().AdvertisingInstances)
}

func TestAdapterManager_CapabilityDetection(t *testing.T) {
	loop := startLoop(t)
	bus := testutils.NewFakeBus()
	testutils.NewBluezTreeBuilder().
		WithAdapter(hci0, "AA:BB:CC:DD:EE:FF", true).
		WithAdvertisingProperty(hci0, "SupportedSecondaryChannels", []string{"1M", "2M", "Coded"}).
		InstallOn(bus)
	m := newTestManager(t, loop, bus)

	initManager(t, loop, m, bus, "")

	caps := m.Caps()
	assert.True(t, caps.Advertising)
	assert.True(t, caps.AcquireWrite, "advertise includes imply a BlueZ with socket acquisition")
	assert.True(t, caps.AcquireNotify)
	assert.True(t, caps.ExtendedAdvertising)
}

func TestAdapterManager_NoExtendedAdvertisingByDefault(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)

	initManager(t, loop, m, bus, "")

	assert.True(t, m.Caps().AcquireWrite)
	assert.False(t, m.Caps().ExtendedAdvertising)
}

func TestAdapterManager_AdvertisingUnsupportedAdapter(t *testing.T) {
	loop := startLoop(t)
	bus := testutils.NewFakeBus()
	testutils.NewBluezTreeBuilder().
		WithAdapter(hci0, "AA:BB:CC:DD:EE:FF", true).
		WithoutAdvertising(hci0).
		InstallOn(bus)
	bus.At(hci0).WithProperty(AdapterInterface+".Powered", true)
	m := newTestManager(t, loop, bus)

	initManager(t, loop, m, bus, "")
	assert.False(t, m.Caps().Advertising)

	errCh := make(chan *Error, 1)
	loop.Post(func() {
		m.SetAdvertisingAsync(true, func(err *Error) { errCh <- err })
	})
	err := <-errCh
	require.NotNil(t, err)
	assert.Equal(t, NotSupported, err.Code)
	assert.Zero(t, bus.At(hci0).CallCount(AdvertisingManagerInterface+".RegisterAdvertisement"),
		"no registration attempt may reach the bus")
}

func TestAdapterManager_InitializeTwiceIsNoop(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)

	initManager(t, loop, m, bus, "")
	initManager(t, loop, m, bus, "")

	assert.Equal(t, 4, m.SubscriptionCount(), "subscriptions must not duplicate")
	assert.Equal(t, 4, bus.MatchCount())
}

func TestAdapterManager_InitializeNoAdapters(t *testing.T) {
	loop := startLoop(t)
	bus := testutils.NewFakeBus()
	testutils.NewBluezTreeBuilder().InstallOn(bus)
	m := newTestManager(t, loop, bus)

	onLoop(t, loop, func() {
		err := m.Initialize(bus, "")
		require.NotNil(t, err)
		assert.Equal(t, NotFound, err.Code)
	})
	assert.False(t, m.Initialized())
	assert.Zero(t, bus.MatchCount(), "failed initialize must leave no subscriptions")
}

func TestAdapterManager_AdapterSelection(t *testing.T) {
	hci1 := dbus.ObjectPath("/org/bluez/hci1")

	tests := []struct {
		name string
		hint string
		want dbus.ObjectPath
	}{
		{"exact path hint", string(hci1), hci1},
		{"address hint", "11:22:33:44:55:66", hci1},
		{"alias substring hint", "back", hci1},
		{"no hint prefers powered", "", hci1},
		{"unmatched hint falls back to powered", "nonexistent", hci1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := startLoop(t)
			bus := testutils.NewFakeBus()
			testutils.NewBluezTreeBuilder().
				WithAdapter(hci0, "AA:BB:CC:DD:EE:FF", false).
				WithAdapter(hci1, "11:22:33:44:55:66", true).
				WithAdapterAlias(hci1, "backup-radio").
				InstallOn(bus)
			m := newTestManager(t, loop, bus)

			initManager(t, loop, m, bus, tt.hint)
			assert.Equal(t, tt.want, m.AdapterPath())
		})
	}
}

func TestAdapterManager_ReadonlyPropertiesRejected(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)
	initManager(t, loop, m, bus, "")

	for _, prop := range []string{"Address", "AddressType", "Name", "Class", "UUIDs", "Modalias"} {
		onLoop(t, loop, func() {
			err := m.setAdapterProperty(prop, "whatever")
			require.NotNil(t, err)
			assert.Equal(t, NotSupported, err.Code)
		})
	}
	assert.Zero(t, bus.At(hci0).CallCount(PropertiesInterface+".Set"))
}

func TestAdapterManager_SetConnectableNotSupported(t *testing.T) {
	loop := startLoop(t)
	m := NewAdapterManager(loop, nil)

	err := m.SetConnectable(true)
	require.NotNil(t, err)
	assert.Equal(t, NotSupported, err.Code)
}

func TestAdapterManager_SetNameWritesAlias(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)
	initManager(t, loop, m, bus, "")

	onLoop(t, loop, func() {
		require.Nil(t, m.SetName("bzperi"))
	})

	calls := bus.At(hci0).Calls()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, PropertiesInterface+".Set", last.Method)
	assert.Equal(t, AdapterInterface, last.Args[0])
	assert.Equal(t, "Alias", last.Args[1])
}

func TestAdapterManager_SetDiscoverableWithTimeout(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)
	initManager(t, loop, m, bus, "")

	onLoop(t, loop, func() {
		require.Nil(t, m.SetDiscoverable(true, 3*time.Minute))
	})

	var props []string
	for _, c := range bus.At(hci0).Calls() {
		if c.Method == PropertiesInterface+".Set" {
			props = append(props, c.Args[1].(string))
		}
	}
	assert.Equal(t, []string{"DiscoverableTimeout", "Discoverable"}, props)
}

func TestAdapterManager_PropertyRetryDoesNotBlockLoop(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	notReady := dbus.Error{Name: "org.bluez.Error.NotReady"}
	bus.At(hci0).
		Fail(PropertiesInterface+".Set", notReady).
		Fail(PropertiesInterface+".Set", notReady).
		Reply(PropertiesInterface + ".Set")

	m := NewAdapterManager(loop, nil)
	m.SetRetryPolicies(
		Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2.0},
		AdvertisingRetryPolicy(),
	)
	t.Cleanup(func() { onLoop(t, loop, m.Shutdown) })
	initManager(t, loop, m, bus, "")

	var first *Error
	onLoop(t, loop, func() { first = m.SetPowered(true) })
	require.NotNil(t, first)
	assert.Equal(t, NotReady, first.Code)

	// Other loop work must not wait out the backoff.
	start := time.Now()
	onLoop(t, loop, func() {})
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"loop must stay responsive while a property retry backs off")

	require.Eventually(t, func() bool {
		return bus.At(hci0).CallCount(PropertiesInterface+".Set") == 3
	}, 3*time.Second, 5*time.Millisecond, "background retries must converge")
}

func TestAdapterManager_ShutdownCancelsPendingPropertyRetry(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	bus.At(hci0).Fail(PropertiesInterface+".Set", dbus.Error{Name: "org.bluez.Error.NotReady"})

	m := NewAdapterManager(loop, nil)
	m.SetRetryPolicies(
		Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0},
		AdvertisingRetryPolicy(),
	)
	initManager(t, loop, m, bus, "")

	onLoop(t, loop, func() {
		err := m.SetName("bzperi")
		require.NotNil(t, err)
		require.Len(t, m.propRetries, 1)
	})
	onLoop(t, loop, func() {
		m.Shutdown()
		assert.Empty(t, m.propRetries)
	})

	assert.Equal(t, 1, bus.At(hci0).CallCount(PropertiesInterface+".Set"))
}

func TestAdapterManager_DisableAdvertisingWhenNeverRegistered(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)
	initManager(t, loop, m, bus, "")

	ch := make(chan *Error, 2)
	onLoop(t, loop, func() {
		m.SetAdvertisingAsync(false, func(err *Error) { ch <- err })
	})

	select {
	case err := <-ch:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	select {
	case <-ch:
		t.Fatal("callback fired more than once")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Zero(t, bus.At(hci0).CallCount(AdvertisingManagerInterface+".UnregisterAdvertisement"))
}

func TestAdapterManager_AdvertisingRetriesThenSucceeds(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	timeoutErr := dbus.Error{Name: "org.freedesktop.DBus.Error.Timeout"}
	bus.At(hci0).
		Fail(AdvertisingManagerInterface+".RegisterAdvertisement", timeoutErr).
		Fail(AdvertisingManagerInterface+".RegisterAdvertisement", timeoutErr).
		Fail(AdvertisingManagerInterface+".RegisterAdvertisement", timeoutErr).
		Reply(AdvertisingManagerInterface + ".RegisterAdvertisement")

	m := newTestManager(t, loop, bus)
	initManager(t, loop, m, bus, "")

	ch := make(chan *Error, 2)
	loop.Post(func() {
		m.SetAdvertisingAsync(true, func(err *Error) { ch <- err })
	})

	select {
	case err := <-ch:
		assert.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("advertising callback never fired")
	}
	assert.Equal(t, 4, bus.At(hci0).CallCount(AdvertisingManagerInterface+".RegisterAdvertisement"))

	select {
	case <-ch:
		t.Fatal("callback fired more than once")
	case <-time.After(30 * time.Millisecond):
	}
	onLoop(t, loop, func() {
		assert.Nil(t, m.advRetry, "no retry state may linger after completion")
	})
}

func TestAdapterManager_AdvertisingNonRetryableFailsImmediately(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	bus.At(hci0).Fail(AdvertisingManagerInterface+".RegisterAdvertisement",
		dbus.Error{Name: "org.bluez.Error.NotPermitted"})

	m := newTestManager(t, loop, bus)
	initManager(t, loop, m, bus, "")

	ch := make(chan *Error, 1)
	loop.Post(func() {
		m.SetAdvertisingAsync(true, func(err *Error) { ch <- err })
	})

	err := <-ch
	require.NotNil(t, err)
	assert.Equal(t, 1, bus.At(hci0).CallCount(AdvertisingManagerInterface+".RegisterAdvertisement"))
}

func TestAdapterManager_ShutdownCancelsPendingAdvertisingRetry(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	timeoutErr := dbus.Error{Name: "org.freedesktop.DBus.Error.Timeout"}
	obj := bus.At(hci0)
	obj.Fail(AdvertisingManagerInterface+".RegisterAdvertisement", timeoutErr)

	m := NewAdapterManager(loop, nil)
	// Long enough that the retry timer is guaranteed still pending when
	// Shutdown runs.
	m.SetRetryPolicies(DefaultRetryPolicy(),
		Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0})
	initManager(t, loop, m, bus, "")

	fired := make(chan *Error, 1)
	loop.Post(func() {
		m.SetAdvertisingAsync(true, func(err *Error) { fired <- err })
	})

	require.Eventually(t, func() bool {
		return obj.CallCount(AdvertisingManagerInterface+".RegisterAdvertisement") == 1
	}, time.Second, time.Millisecond)

	onLoop(t, loop, func() {
		m.Shutdown()
		assert.Nil(t, m.advRetry)
	})

	select {
	case <-fired:
		t.Fatal("callback fired on torn-down state")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, obj.CallCount(AdvertisingManagerInterface+".RegisterAdvertisement"))
}

func TestAdapterManager_ConnectionTracking(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)

	type event struct {
		path      dbus.ObjectPath
		connected bool
	}
	events := make(chan event, 8)
	m.OnConnection(func(path dbus.ObjectPath, connected bool) {
		events <- event{path, connected}
	})
	initManager(t, loop, m, bus, "")

	devPath := dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66")
	bus.Deliver(testutils.PropertiesChangedSignal(devPath, DeviceInterface,
		map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))

	ev := <-events
	assert.Equal(t, devPath, ev.path)
	assert.True(t, ev.connected)
	assert.Equal(t, 1, m.ConnectionCount())
	require.Len(t, m.ConnectedDevices(), 1)

	// Duplicate connect signals must not double-count.
	bus.Deliver(testutils.PropertiesChangedSignal(devPath, DeviceInterface,
		map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
	onLoop(t, loop, func() {})
	assert.Equal(t, 1, m.ConnectionCount())

	bus.Deliver(testutils.PropertiesChangedSignal(devPath, DeviceInterface,
		map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))
	ev = <-events
	assert.False(t, ev.connected)
	assert.Equal(t, 0, m.ConnectionCount())
	assert.Empty(t, m.ConnectedDevices(), "disconnected devices stay cached but are not connected")

	bus.Deliver(testutils.InterfacesRemovedSignal(devPath, DeviceInterface))
	require.Eventually(t, func() bool {
		_, cached := m.devices.Get(string(devPath))
		return !cached
	}, time.Second, time.Millisecond, "removal must drop the cache entry")
}

func TestAdapterManager_ConnectedDevicesDuringStateChurn(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)
	initManager(t, loop, m, bus, "")

	devPath := dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			for _, d := range m.ConnectedDevices() {
				// Snapshots stay internally consistent while the loop
				// flips connection state underneath.
				assert.True(t, d.Connected)
				assert.Equal(t, devPath, d.Path)
			}
			m.ConnectionCount()
		}
	}()

	for i := 0; i < 50; i++ {
		bus.Deliver(testutils.PropertiesChangedSignal(devPath, DeviceInterface,
			map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
		bus.Deliver(testutils.PropertiesChangedSignal(devPath, DeviceInterface,
			map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))
	}
	<-done

	onLoop(t, loop, func() {})
	assert.Equal(t, 0, m.ConnectionCount())
	assert.Empty(t, m.ConnectedDevices())
}

func TestAdapterManager_SeedsConnectedDevicesFromDiscovery(t *testing.T) {
	loop := startLoop(t)
	bus := testutils.NewFakeBus()
	devPath := dbus.ObjectPath("/org/bluez/hci0/dev_AA_AA_AA_AA_AA_AA")
	testutils.NewBluezTreeBuilder().
		WithAdapter(hci0, "AA:BB:CC:DD:EE:FF", true).
		WithDevice(devPath, "AA:AA:AA:AA:AA:AA", true).
		InstallOn(bus)
	m := newTestManager(t, loop, bus)

	initManager(t, loop, m, bus, "")
	assert.Equal(t, 1, m.ConnectionCount())
}

func TestAdapterManager_NameLossSchedulesRecovery(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)
	initManager(t, loop, m, bus, "")

	bus.Deliver(testutils.NameOwnerChangedSignal(Service, ":1.4", ""))
	require.Eventually(t, func() bool {
		scheduled := false
		onLoop(t, loop, func() { scheduled = m.reconnect != nil })
		return scheduled
	}, time.Second, time.Millisecond, "recovery timer must be scheduled")

	onLoop(t, loop, m.Shutdown)
	onLoop(t, loop, func() {
		assert.Nil(t, m.reconnect)
	})
}

func TestAdapterManager_ShutdownResetsEverything(t *testing.T) {
	loop := startLoop(t)
	bus := singleAdapterBus()
	m := newTestManager(t, loop, bus)
	initManager(t, loop, m, bus, "")

	onLoop(t, loop, m.Shutdown)

	assert.False(t, m.Initialized())
	assert.Zero(t, bus.MatchCount())
	assert.Empty(t, m.Adapters())
	assert.Zero(t, m.ConnectionCount())

	// Shutdown twice is harmless.
	onLoop(t, loop, m.Shutdown)

	// And the manager can come back.
	initManager(t, loop, m, bus, "")
	assert.True(t, m.Initialized())
	assert.Equal(t, 4, bus.MatchCount())
}
