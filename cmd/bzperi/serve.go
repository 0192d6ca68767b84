package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jy1655/bzperi/internal/bluez"
	"github.com/jy1655/bzperi/internal/groutine"
	"github.com/jy1655/bzperi/pkg/bzperi"
	"github.com/jy1655/bzperi/pkg/gatt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the GATT peripheral server",
	Long: `Starts the peripheral server: owns a bus name, exports the GATT
application tree, registers it with BlueZ and advertises until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file")
	serveCmd.Flags().String("adapter", "", "Preferred adapter (path, address, or substring; BZPERI_ADAPTER is honoured too)")
	serveCmd.Flags().Bool("list-adapters", false, "List available adapters and exit")
	serveCmd.Flags().String("name", "", "Advertised device name")
	serveCmd.Flags().String("short-name", "", "Advertised short name")
	serveCmd.Flags().Bool("bondable", true, "Accept pairing requests")
	serveCmd.Flags().Duration("timeout", 0, "Startup timeout (default from config)")
	serveCmd.Flags().BoolP("verbose", "V", false, "Enable debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	if list, _ := cmd.Flags().GetBool("list-adapters"); list {
		return listAdapters()
	}

	cfg := bzperi.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = bzperi.LoadConfig(path)
		if err != nil {
			return err
		}
	}
	cfg.LogLevel = logger.GetLevel().String()

	if name, _ := cmd.Flags().GetString("name"); name != "" {
		cfg.AdvertisingName = name
	}
	if short, _ := cmd.Flags().GetString("short-name"); short != "" {
		cfg.AdvertisingShortName = short
	}
	if cmd.Flags().Changed("bondable") {
		cfg.Bondable, _ = cmd.Flags().GetBool("bondable")
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		cfg.StartTimeout = timeout
	}
	if adapter, _ := cmd.Flags().GetString("adapter"); adapter != "" {
		cfg.PreferredAdapter = adapter
	} else if env := os.Getenv("BZPERI_ADAPTER"); env != "" {
		cfg.PreferredAdapter = env
	}

	store := newDataStore()
	server, err := bzperi.NewServer(cfg, store.get, store.set)
	if err != nil {
		return err
	}

	installSampleServices(server, store)

	if err := server.Start(); err != nil {
		return err
	}

	stopClock := startClock(server)
	defer close(stopClock)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	server.Logger().WithField("signal", sig).Info("Shutting down")

	server.TriggerShutdown()
	server.Wait()
	return nil
}

// dataStore is the in-memory backing for the sample services. Reads and
// writes arrive from both the worker loop and client goroutines.
type dataStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func newDataStore() *dataStore {
	return &dataStore{
		values: map[string][]byte{
			"device/mfgr_name": []byte("BzPeri"),
			"device/model":     []byte("Peripheral Server"),
			"battery/level":    {100},
			"text/string":      []byte("Hello, world!"),
			"text/description": []byte("A mutable text string"),
		},
	}
}

func (d *dataStore) get(name string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (d *dataStore) set(name string, data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[name] = append([]byte(nil), data...)
	return true
}

// installSampleServices declares the stock GATT tree: device information,
// battery, current time, and a mutable text service.
func installSampleServices(s *bzperi.Server, store *dataStore) {
	app := s.Application()

	device := app.Service("device", "180A")
	device.Characteristic("mfgr_name", "2A29", "read").
		OnRead(func() ([]byte, error) { return mustGet(store, "device/mfgr_name"), nil })
	device.Characteristic("model", "2A24", "read").
		OnRead(func() ([]byte, error) { return mustGet(store, "device/model"), nil })

	battery := app.Service("battery", "180F")
	battery.Characteristic("level", "2A19", "read", "notify").
		OnRead(func() ([]byte, error) { return mustGet(store, "battery/level"), nil }).
		OnUpdate(func(c *gatt.Characteristic) {
			_ = c.NotifyValue(mustGet(store, "battery/level"))
		})

	clock := app.Service("time", "1805")
	clock.Characteristic("current", "2A2B", "read", "notify").
		OnRead(func() ([]byte, error) { return encodeCurrentTime(time.Now()), nil }).
		OnUpdate(func(c *gatt.Characteristic) {
			_ = c.NotifyValue(encodeCurrentTime(time.Now()))
		})

	text := app.Service("text", "00000001-1e3c-fad4-74e2-97a033f1bfaa")
	str := text.Characteristic("string", "00000002-1e3c-fad4-74e2-97a033f1bfaa", "read", "write", "notify")
	str.OnRead(func() ([]byte, error) { return mustGet(store, "text/string"), nil })
	str.OnWrite(func(value []byte) error {
		if !store.set("text/string", value) {
			return fmt.Errorf("text value rejected")
		}
		return nil
	})
	str.OnUpdate(func(c *gatt.Characteristic) {
		_ = c.NotifyValue(mustGet(store, "text/string"))
	})
	str.Descriptor("description", "2901", "read").
		OnRead(func() ([]byte, error) { return mustGet(store, "text/description"), nil })
}

func mustGet(store *dataStore, name string) []byte {
	v, _ := store.get(name)
	return v
}

// startClock pushes a current-time update every second so subscribed
// centrals see a ticking clock.
func startClock(s *bzperi.Server) chan struct{} {
	clockPath := s.Application().Service("time", "1805").Characteristic("current", "2A2B").Path()
	stop := make(chan struct{})
	groutine.Go(context.Background(), "bzperi-clock", func(context.Context) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.PushUpdate(clockPath, bluez.GattCharacteristicInterface)
			}
		}
	})
	return stop
}

// encodeCurrentTime renders t in the Current Time characteristic layout:
// year (uint16 LE), month, day, hours, minutes, seconds, day of week
// (1=Monday), fractions of a second in 1/256 units, adjust reason.
func encodeCurrentTime(t time.Time) []byte {
	year := t.Year()
	weekday := byte(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return []byte{
		byte(year), byte(year >> 8),
		byte(t.Month()),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
		weekday,
		byte(t.Nanosecond() / 3906250),
		0,
	}
}
