// Package bzperi implements a BLE GATT peripheral server on top of the
// BlueZ D-Bus API. A Server owns one worker goroutine running a cooperative
// event loop; everything that talks to BlueZ happens there. Application
// code interacts through Start/TriggerShutdown/Wait, the data callbacks,
// and the update queue.
package bzperi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/jy1655/bzperi/internal/bluez"
	"github.com/jy1655/bzperi/internal/groutine"
	"github.com/jy1655/bzperi/internal/runloop"
	"github.com/jy1655/bzperi/pkg/gatt"
)

// Server is the peripheral server. Create with NewServer, populate its
// Application tree, then Start.
type Server struct {
	cfg    *Config
	log    *logrus.Logger
	getter DataGetter
	setter DataSetter

	loop      *runloop.Loop
	adapter   *bluez.AdapterManager
	app       *gatt.Application
	queue     *UpdateQueue
	connector bluez.Connector

	runState atomic.Int32
	health   atomic.Int32

	stateMu      sync.Mutex
	stateChanged chan struct{}

	started    bool
	workerDone chan struct{}

	boot initState
}

// NewServer builds a server from config and the two data callbacks. The
// config is validated and normalized here so the GATT tree's base path is
// stable from the start.
func NewServer(cfg *Config, getter DataGetter, setter DataSetter) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.NewLogger()
	loop := runloop.New()

	s := &Server{
		cfg:          cfg,
		log:          log,
		getter:       getter,
		setter:       setter,
		loop:         loop,
		adapter:      bluez.NewAdapterManager(loop, log),
		app:          gatt.NewApplication(appBasePath(cfg.ServiceName)),
		queue:        NewUpdateQueue(),
		connector:    bluez.SystemBusConnector,
		stateChanged: make(chan struct{}),
	}
	return s, nil
}

// appBasePath derives the GATT tree root from the service name, e.g.
// "bzperi.sensor" becomes "/com/bzperi/sensor".
func appBasePath(serviceName string) dbus.ObjectPath {
	return dbus.ObjectPath("/com/" + strings.ReplaceAll(serviceName, ".", "/"))
}

// Application exposes the GATT tree for declaring services before Start.
func (s *Server) Application() *gatt.Application { return s.app }

// Queue exposes the update queue.
func (s *Server) Queue() *UpdateQueue { return s.queue }

// Logger returns the server's logger.
func (s *Server) Logger() *logrus.Logger { return s.log }

// RunState is safe to read from any goroutine.
func (s *Server) RunState() RunState { return RunState(s.runState.Load()) }

// HealthState is safe to read from any goroutine.
func (s *Server) HealthState() Health { return Health(s.health.Load()) }

// ConnectionCount reports currently connected centrals.
func (s *Server) ConnectionCount() int { return s.adapter.ConnectionCount() }

// GetData invokes the registered data getter.
func (s *Server) GetData(name string) ([]byte, bool) {
	if s.getter == nil {
		return nil, false
	}
	return s.getter(name)
}

// SetData invokes the registered data setter.
func (s *Server) SetData(name string, data []byte) bool {
	if s.setter == nil {
		return false
	}
	return s.setter(name, data)
}

// PushUpdate queues a characteristic update for delivery on the worker.
func (s *Server) PushUpdate(path dbus.ObjectPath, iface string) {
	s.queue.Push(path, iface)
}

func (s *Server) setRunState(st RunState) {
	s.runState.Store(int32(st))
	s.stateMu.Lock()
	close(s.stateChanged)
	s.stateChanged = make(chan struct{})
	s.stateMu.Unlock()
	s.log.WithField("state", st).Debug("Run state changed")
}

func (s *Server) stateChangeCh() <-chan struct{} {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.stateChanged
}

// degradeHealth records a failure. Health is sticky; the first degradation
// wins.
func (s *Server) degradeHealth(h Health) {
	s.health.CompareAndSwap(int32(HealthOk), int32(h))
}

// Start validates inputs, spawns the worker and blocks until initialization
// completes or the configured timeout elapses. On timeout the server is shut
// down and health reads FailedInit.
func (s *Server) Start() error {
	if s.started {
		return fmt.Errorf("bzperi: server already started")
	}
	if s.getter == nil || s.setter == nil {
		return fmt.Errorf("bzperi: data getter and setter callbacks are required")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	gatt.ApplyConfigurators(s.app)

	s.started = true
	s.workerDone = make(chan struct{})
	s.setRunState(StateInitializing)
	groutine.Go(context.Background(), "bzperi-worker", func(context.Context) { s.worker() })

	deadline := time.NewTimer(s.cfg.StartTimeout)
	defer deadline.Stop()
	for {
		// Fetch the channel before inspecting the state: a transition landing
		// in between leaves this channel already closed, so the wait below
		// cannot miss it.
		ch := s.stateChangeCh()
		switch s.RunState() {
		case StateRunning:
			s.log.WithField("service", s.cfg.ServiceName).Info("Server running")
			return nil
		case StateStopping, StateStopped:
			return fmt.Errorf("bzperi: initialization failed (health: %s)", s.HealthState())
		}
		select {
		case <-ch:
		case <-deadline.C:
			s.degradeHealth(HealthFailedInit)
			s.log.WithField("timeout", s.cfg.StartTimeout).Error("Initialization timed out")
			s.TriggerShutdown()
			s.Wait()
			return fmt.Errorf("bzperi: initialization did not complete within %s", s.cfg.StartTimeout)
		}
	}
}

func (s *Server) worker() {
	defer close(s.workerDone)
	s.loop.Post(s.startProcessor)
	s.loop.Run()
	s.setRunState(StateStopped)
	s.log.Info("Server stopped")
}

// TriggerShutdown asks the worker to stop without blocking. Safe from any
// goroutine, including signal handlers. A repeat call is a warned no-op.
func (s *Server) TriggerShutdown() {
	switch s.RunState() {
	case StateStopping, StateStopped:
		s.log.Warn("Shutdown already in progress")
		return
	}
	s.setRunState(StateStopping)
	if !s.loop.Post(func() {
		s.teardown()
		s.loop.Quit()
	}) {
		s.loop.Quit()
	}
}

// Wait blocks until the worker has fully stopped. Idempotent; calling it
// without a prior Start is a warned no-op.
func (s *Server) Wait() {
	if s.workerDone == nil {
		s.log.Warn("Wait called on a server that never started")
		return
	}
	<-s.workerDone
}

// ShutdownAndWait combines TriggerShutdown and Wait.
func (s *Server) ShutdownAndWait() {
	s.TriggerShutdown()
	s.Wait()
}
