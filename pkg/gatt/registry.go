package gatt

import "sync"

// Configurator contributes services to an application tree before the
// server starts.
type Configurator func(app *Application)

var (
	registryMu    sync.Mutex
	configurators []Configurator
)

// RegisterConfigurator queues a configurator to be applied to the server's
// application tree at start. Safe to call from init functions in any order;
// configurators run in registration order.
func RegisterConfigurator(fn Configurator) {
	if fn == nil {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	configurators = append(configurators, fn)
}

// ApplyConfigurators runs every registered configurator against app.
func ApplyConfigurators(app *Application) {
	registryMu.Lock()
	fns := append([]Configurator(nil), configurators...)
	registryMu.Unlock()
	for _, fn := range fns {
		fn(app)
	}
}

// ResetConfigurators clears the registry. Intended for tests.
func ResetConfigurators() {
	registryMu.Lock()
	defer registryMu.Unlock()
	configurators = nil
}
