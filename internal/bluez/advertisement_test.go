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

const testAdvPath = dbus.ObjectPath("/com/bzperi/advertisement0")

func startLoop(t *testing.T) *runloop.Loop {
	t.Helper()
	l := runloop.New()
	go l.Run()
	t.Cleanup(func() {
		l.Quit()
		<-l.Done()
	})
	return l
}

// onLoop runs fn on the loop goroutine and waits for it to finish.
func onLoop(t *testing.T, l *runloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop callback did not run")
	}
}

func TestAdvertisement_Includes(t *testing.T) {
	loop := startLoop(t)

	adv := NewAdvertisement(loop, nil, testAdvPath)
	assert.Equal(t, []string{"local-name"}, adv.Includes())

	adv.SetIncludeTxPower(true)
	assert.Equal(t, []string{"local-name", "tx-power"}, adv.Includes())

	adv.SetIncludeTxPower(false)
	assert.NotContains(t, adv.Includes(), "tx-power")
}

func TestAdvertisement_ExportIsIdempotentWithInProgress(t *testing.T) {
	loop := startLoop(t)
	bus := testutils.NewFakeBus()
	adv := NewAdvertisement(loop, nil, testAdvPath)

	onLoop(t, loop, func() {
		require.Nil(t, adv.Export(bus))
	})
	assert.True(t, adv.IsExported())
	assert.True(t, bus.Exported(testAdvPath, AdvertisementInterface))
	assert.True(t, bus.Exported(testAdvPath, PropertiesInterface))
	assert.True(t, bus.Exported(testAdvPath, IntrospectInterface))

	onLoop(t, loop, func() {
		err := adv.Export(bus)
		require.NotNil(t, err)
		assert.Equal(t, InProgress, err.Code)
	})
}

func TestAdvertisement_UnexportTwiceIsNoop(t *testing.T) {
	loop := startLoop(t)
	bus := testutils.NewFakeBus()
	adv := NewAdvertisement(loop, nil, testAdvPath)

	onLoop(t, loop, func() {
		require.Nil(t, adv.Export(bus))
		adv.Unexport()
		adv.Unexport()
	})
	assert.False(t, adv.IsExported())
	assert.Zero(t, bus.ExportCount())
}

func TestAdvertisement_RegisterWhenRegisteredSkipsBusCall(t *testing.T) {
	loop := startLoop(t)
	bus := testutils.NewFakeBus()
	adapterPath := dbus.ObjectPath("/org/bluez/hci0")
	adv := NewAdvertisement(loop, nil, testAdvPath)

	register := func() *Error {
		ch := make(chan *Error, 1)
		loop.Post(func() {
			adv.RegisterAsync(bus, adapterPath, func(err *Error) { ch <- err })
		})
		select {
		case err := <-ch:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("register callback never fired")
			return nil
		}
	}

	require.Nil(t, register())
	assert.True(t, adv.IsRegistered())

	require.Nil(t, register())
	assert.Equal(t, 1, bus.At(adapterPath).CallCount(AdvertisingManagerInterface+".RegisterAdvertisement"))
}

func TestAdvertisement_ReleaseClearsRegistration(t *testing.T) {
	loop := startLoop(t)
	bus := testutils.NewFakeBus()
	adapterPath := dbus.ObjectPath("/org/bluez/hci0")
	adv := NewAdvertisement(loop, nil, testAdvPath)

	ch := make(chan *Error, 1)
	loop.Post(func() {
		adv.RegisterAsync(bus, adapterPath, func(err *Error) { ch <- err })
	})
	require.Nil(t, <-ch)

	handler := bus.ExportedHandler(testAdvPath, AdvertisementInterface)
	require.NotNil(t, handler)
	releaser, ok := handler.(interface{ Release() *dbus.Error })
	require.True(t, ok)
	require.Nil(t, releaser.Release())

	onLoop(t, loop, func() {}) // let the posted release land
	assert.False(t, adv.IsRegistered())
	assert.True(t, adv.IsExported(), "release revokes registration, not the export")
}

func TestAdvertisement_UnregisterWhenUnregisteredIsSuccess(t *testing.T) {
	loop := startLoop(t)
	bus := testutils.NewFakeBus()
	adapterPath := dbus.ObjectPath("/org/bluez/hci0")
	adv := NewAdvertisement(loop, nil, testAdvPath)

	ch := make(chan *Error, 1)
	loop.Post(func() {
		adv.UnregisterAsync(bus, adapterPath, func(err *Error) { ch <- err })
	})
	assert.Nil(t, <-ch)
	assert.Zero(t, bus.At(adapterPath).CallCount(AdvertisingManagerInterface+".UnregisterAdvertisement"))
}

func TestAdvertisement_UnregisterTearsDownExport(t *testing.T) {
	loop := startLoop(t)
	bus := testutils.NewFakeBus()
	adapterPath := dbus.ObjectPath("/org/bluez/hci0")
	adv := NewAdvertisement(loop, nil, testAdvPath)

	ch := make(chan *Error, 1)
	loop.Post(func() {
		adv.RegisterAsync(bus, adapterPath, func(err *Error) { ch <- err })
	})
	require.Nil(t, <-ch)

	loop.Post(func() {
		adv.UnregisterAsync(bus, adapterPath, func(err *Error) { ch <- err })
	})
	require.Nil(t, <-ch)

	assert.False(t, adv.IsRegistered())
	assert.False(t, adv.IsExported())
	assert.Zero(t, bus.ExportCount())
}
