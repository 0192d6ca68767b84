package bluez

import (
	"github.com/godbus/dbus/v5"
)

// propsHandler serves org.freedesktop.DBus.Properties for a single exported
// object whose properties are read-only and fixed at export time.
type propsHandler struct {
	iface string
	props map[string]dbus.Variant
}

func newPropsHandler(iface string, props map[string]dbus.Variant) *propsHandler {
	return &propsHandler{iface: iface, props: props}
}

func (h *propsHandler) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	if iface != h.iface {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface",
			[]interface{}{iface})
	}
	v, ok := h.props[name]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty",
			[]interface{}{name})
	}
	return v, nil
}

func (h *propsHandler) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != h.iface {
		return map[string]dbus.Variant{}, nil
	}
	out := make(map[string]dbus.Variant, len(h.props))
	for k, v := range h.props {
		out[k] = v
	}
	return out, nil
}

func (h *propsHandler) Set(iface, name string, value dbus.Variant) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly",
		[]interface{}{name})
}
