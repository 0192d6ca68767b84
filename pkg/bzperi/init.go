package bzperi

import (
	"context"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/jy1655/bzperi/internal/bledb"
	"github.com/jy1655/bzperi/internal/bluez"
	"github.com/jy1655/bzperi/internal/runloop"
)

const (
	// initTickInterval drives the shared retry check.
	initTickInterval = time.Second
	// initRetryDelay is how long a failed step waits before the whole
	// processor re-runs.
	initRetryDelay = 2 * time.Second
	// updateTickInterval paces update-queue delivery.
	updateTickInterval = 10 * time.Millisecond
)

// initState is everything the initialization processor has accumulated.
// Owned exclusively by the worker loop.
type initState struct {
	conn             bluez.Conn
	nameOwned        bool
	objects          map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	gattMgrPath      dbus.ObjectPath
	adapterReady     bool
	advRequested     bool
	treeExported     bool
	appRegistered    bool
	registerInFlight bool

	retryAt  time.Time
	periodic *runloop.Ticker
	updates  *runloop.Ticker
}

func (s *Server) startProcessor() {
	s.boot.periodic = s.loop.Every(initTickInterval, s.onPeriodicTick)
	s.boot.updates = s.loop.Every(updateTickInterval, s.onUpdateTick)
	s.process()
}

// onPeriodicTick re-runs the processor once the shared retry delay has
// elapsed. One timestamp covers every step: a failure anywhere re-validates
// the whole chain from the top, which is cheap because satisfied steps are
// plain field checks.
func (s *Server) onPeriodicTick() {
	if s.boot.retryAt.IsZero() {
		return
	}
	if time.Since(s.boot.retryAt) < initRetryDelay {
		return
	}
	s.boot.retryAt = time.Time{}
	s.process()
}

// onUpdateTick pops at most one queued update and delivers it. Empty ticks
// are cheap so the loop stays responsive.
func (s *Server) onUpdateTick() {
	u, ok := s.queue.Pop(false)
	if !ok {
		return
	}
	c, found := s.app.CharacteristicAt(u.Path)
	if !found {
		s.log.WithField("path", u.Path).Debug("Update for unknown characteristic dropped")
		return
	}
	if !c.HandleUpdate() {
		s.log.WithField("path", u.Path).Debug("Characteristic has no update callback")
	}
}

// process is the initialization state machine. It is idempotent and driven
// by accumulated state, not a step counter: each run performs exactly the
// next unmet step, then either returns (async step pending), schedules a
// retry, or advances immediately to the following step.
func (s *Server) process() {
	st := s.RunState()
	if st != StateInitializing && st != StateRunning {
		return
	}
	if !s.boot.retryAt.IsZero() {
		return
	}

	// Bus connection. Unobtainable is fatal: there is no recovery path
	// without a bus.
	if s.boot.conn == nil {
		conn, err := s.connector()
		if err != nil {
			s.fatalInit("bus connection failed", bluez.Classify(err))
			return
		}
		s.boot.conn = conn
		s.log.Debug("Bus connection established")
	}

	// Well-known name. Not being granted primary ownership at this point
	// means another instance holds it; that is fatal, not retryable.
	if !s.boot.nameOwned {
		reply, err := s.boot.conn.RequestName(s.cfg.BusName(), dbus.NameFlagDoNotQueue)
		if err != nil {
			s.fatalInit("bus name request failed", bluez.Classify(err))
			return
		}
		if reply != dbus.RequestNameReplyPrimaryOwner {
			s.fatalInit("bus name "+s.cfg.BusName()+" is owned elsewhere", bluez.NewError(bluez.AlreadyExists, "name not granted"))
			return
		}
		s.boot.nameOwned = true
		s.log.WithField("name", s.cfg.BusName()).Debug("Bus name acquired")
	}

	// BlueZ object tree.
	if s.boot.objects == nil {
		objects, err := bluez.ManagedObjects(s.boot.conn)
		if err != nil {
			s.scheduleRetry("object discovery failed", err)
			return
		}
		s.boot.objects = objects
	}

	// GATT manager location.
	if s.boot.gattMgrPath == "" {
		for path, ifaces := range s.boot.objects {
			if _, ok := ifaces[bluez.GattManagerInterface]; ok {
				s.boot.gattMgrPath = path
				break
			}
		}
		if s.boot.gattMgrPath == "" {
			// Stale snapshots are useless here; drop it so the retry
			// re-queries.
			s.boot.objects = nil
			s.scheduleRetry("no GATT manager on the bus",
				bluez.NewError(bluez.NotFound, "no object exposes "+bluez.GattManagerInterface))
			return
		}
		s.log.WithField("path", s.boot.gattMgrPath).Debug("GATT manager located")
	}

	// Adapter configuration. Powered comes last: the property writes before
	// it succeed regardless of power state, while advertising needs power
	// and handles its own power-up.
	if !s.boot.adapterReady {
		if err := s.configureAdapter(); err != nil {
			s.scheduleRetry("adapter configuration failed", err)
			return
		}
		s.boot.adapterReady = true
	}

	// GATT tree on the bus. Partial success persists; the retry walk skips
	// nodes that already made it.
	if !s.boot.treeExported {
		if err := s.app.Export(s.boot.conn); err != nil {
			s.scheduleRetry("GATT tree export failed", err)
			return
		}
		s.boot.treeExported = true
		s.log.WithField("path", s.app.Path()).Debug("GATT tree exported")
	}

	// Application registration with BlueZ.
	if !s.boot.appRegistered {
		if s.boot.registerInFlight {
			return
		}
		s.boot.registerInFlight = true
		obj := s.boot.conn.Object(bluez.Service, s.boot.gattMgrPath)
		bluez.CallAsync(s.loop, obj, bluez.GattManagerInterface+".RegisterApplication", bluez.DefaultCallTimeout,
			func(err *bluez.Error) {
				s.boot.registerInFlight = false
				if err != nil && err.Code != bluez.AlreadyExists {
					s.scheduleRetry("application registration failed", err)
					return
				}
				s.boot.appRegistered = true
				s.log.Info("GATT application registered")
				s.process()
			},
			s.app.Path(), map[string]dbus.Variant{})
		return
	}

	if s.HealthState() == HealthOk && s.RunState() == StateInitializing {
		s.logServiceTree()
		s.setRunState(StateRunning)
	}
}

// logServiceTree prints the exported tree once at startup, resolving SIG
// UUIDs to their assigned names where known.
func (s *Server) logServiceTree() {
	for _, svc := range s.app.Services() {
		s.log.WithFields(logrus.Fields{
			"uuid": svc.UUID(),
			"name": bledb.LookupService(svc.UUID()),
		}).Info("Serving")
		for _, c := range svc.Characteristics() {
			s.log.WithFields(logrus.Fields{
				"uuid":  c.UUID(),
				"name":  bledb.LookupCharacteristic(c.UUID()),
				"flags": strings.Join(c.Flags(), ","),
			}).Debug("Characteristic")
		}
	}
}

func (s *Server) configureAdapter() *bluez.Error {
	if err := s.adapter.Initialize(s.boot.conn, s.cfg.PreferredAdapter); err != nil {
		return err
	}
	if err := s.adapter.SetName(s.cfg.AdvertisingName); err != nil {
		return err
	}
	if err := s.adapter.SetBondable(s.cfg.Bondable); err != nil {
		return err
	}
	if err := s.adapter.SetDiscoverable(s.cfg.Discoverable, 0); err != nil {
		return err
	}
	if !s.boot.advRequested {
		s.boot.advRequested = true
		s.adapter.SetAdvertisingAsync(true, func(err *bluez.Error) {
			if err != nil {
				// The server keeps running without an advertisement;
				// connected centrals are unaffected.
				s.log.WithField("error", err).Warn("Advertising could not be established")
				return
			}
			s.log.Info("Advertising")
		})
	}
	return s.adapter.SetPowered(true)
}

func (s *Server) scheduleRetry(msg string, err *bluez.Error) {
	s.log.WithField("error", err).Warn(msg + ", will retry")
	if s.boot.retryAt.IsZero() {
		s.boot.retryAt = time.Now()
	}
}

func (s *Server) fatalInit(msg string, err *bluez.Error) {
	s.log.WithField("error", err).Error(msg)
	s.degradeHealth(HealthFailedInit)
	s.TriggerShutdown()
}

// teardown runs on the loop as the final task before it quits. Timers are
// cancelled before the state they close over is released.
func (s *Server) teardown() {
	if s.boot.periodic != nil {
		s.boot.periodic.Stop()
		s.boot.periodic = nil
	}
	if s.boot.updates != nil {
		s.boot.updates.Stop()
		s.boot.updates = nil
	}

	if s.boot.appRegistered && s.boot.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		obj := s.boot.conn.Object(bluez.Service, s.boot.gattMgrPath)
		if call := obj.CallWithContext(ctx, bluez.GattManagerInterface+".UnregisterApplication", 0, s.app.Path()); call.Err != nil {
			s.log.WithField("error", call.Err).Debug("Application unregistration failed")
		}
		cancel()
		s.boot.appRegistered = false
	}

	s.adapter.Shutdown()
	s.app.Unexport()

	if s.boot.conn != nil {
		if s.boot.nameOwned {
			_, _ = s.boot.conn.ReleaseName(s.cfg.BusName())
			s.boot.nameOwned = false
		}
		_ = s.boot.conn.Close()
		s.boot.conn = nil
	}
	s.boot.objects = nil
	s.boot.gattMgrPath = ""
	s.boot.adapterReady = false
	s.boot.treeExported = false
	s.queue.Clear()
}
