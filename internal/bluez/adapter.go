// Package bluez implements the gatt.AdapterControl port against BlueZ's
// D-Bus management API (org.bluez.Adapter1, org.bluez.Device1 on the
// system bus). The teacher repo this bridge is modeled on declares
// github.com/godbus/dbus/v5 in go.mod without ever calling it; this
// package is that call site, used in "platform-Pi mode"
// (SPEC_FULL.md §6.1).
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/tlbridge/tlbridge/internal/gatt"
)

const (
	busName          = "org.bluez"
	adapterInterface = "org.bluez.Adapter1"
	deviceInterface  = "org.bluez.Device1"
	objectManagerIf  = "org.freedesktop.DBus.ObjectManager"
	propertiesIf     = "org.freedesktop.DBus.Properties"
)

// ErrAdapterNotFound indicates BlueZ has no adapter object at the
// configured path.
var ErrAdapterNotFound = errors.New("bluez: adapter not found")

// Adapter is a gatt.AdapterControl backed by a BlueZ adapter reached over
// the D-Bus system bus.
type Adapter struct {
	conn    *dbus.Conn
	objPath dbus.ObjectPath
}

// Open connects to the D-Bus system bus and binds to the given adapter
// object path (conventionally "/org/bluez/hci0").
func Open(adapterPath string) (*Adapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}

	return &Adapter{
		conn:    conn,
		objPath: dbus.ObjectPath(adapterPath),
	}, nil
}

// Close releases the underlying D-Bus connection.
func (a *Adapter) Close() error {
	return a.conn.Close()
}

var _ gatt.AdapterControl = (*Adapter)(nil)

// ListActiveConnections walks BlueZ's ObjectManager tree for Device1
// objects that are children of this adapter and currently Connected.
func (a *Adapter) ListActiveConnections(ctx context.Context) ([]gatt.ConnectionInfo, error) {
	obj := a.conn.Object(busName, "/")

	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.CallWithContext(ctx, objectManagerIf+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&managed); err != nil {
		return nil, fmt.Errorf("bluez: decode managed objects: %w", err)
	}

	var conns []gatt.ConnectionInfo
	prefix := string(a.objPath) + "/"
	for path, ifaces := range managed {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		dev, ok := ifaces[deviceInterface]
		if !ok {
			continue
		}
		if connected, _ := dev["Connected"].Value().(bool); !connected {
			continue
		}
		addr, _ := dev["Address"].Value().(string)
		conns = append(conns, gatt.ConnectionInfo{
			Address: addr,
			Handle:  handleFromPath(path),
			Role:    "PERIPHERAL",
		})
	}

	return conns, nil
}

// handleFromPath derives a stable pseudo-handle by hashing the device
// object's full D-Bus path (which ends in the dev_XX_XX_XX_XX_XX_XX
// segment BlueZ assigns each device), since BlueZ itself has no integer
// connection handle concept.
func handleFromPath(path dbus.ObjectPath) int {
	s := string(path)
	h := 0
	for i := 0; i < len(s); i++ {
		h = h*31 + int(s[i])
	}
	if h < 0 {
		h = -h
	}
	return h
}

// DisconnectHandle finds the Device1 object whose pseudo-handle matches and
// calls its Disconnect method.
func (a *Adapter) DisconnectHandle(ctx context.Context, handle int) error {
	conns, err := a.ListActiveConnections(ctx)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if c.Handle != handle {
			continue
		}
		return a.disconnectAddress(ctx, c.Address)
	}
	return nil
}

func (a *Adapter) disconnectAddress(ctx context.Context, address string) error {
	devicePath := dbus.ObjectPath(string(a.objPath) + "/dev_" + strings.ReplaceAll(address, ":", "_"))
	obj := a.conn.Object(busName, devicePath)
	call := obj.CallWithContext(ctx, deviceInterface+".Disconnect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", address, call.Err)
	}
	return nil
}

// SetAdvertising toggles the adapter's Discoverable property combined with
// advertisement registration is normally handled by a LEAdvertisement1
// object; this bridge only owns the Adapter1-level switch used to stop
// accepting new connections during a handoff.
func (a *Adapter) SetAdvertising(ctx context.Context, on bool) error {
	return a.setBoolProperty(ctx, "Discoverable", on)
}

// SetPairable sets the adapter's Pairable property.
func (a *Adapter) SetPairable(ctx context.Context, on bool) error {
	return a.setBoolProperty(ctx, "Pairable", on)
}

// SetDiscoverable sets the adapter's Discoverable property.
func (a *Adapter) SetDiscoverable(ctx context.Context, on bool) error {
	return a.setBoolProperty(ctx, "Discoverable", on)
}

func (a *Adapter) setBoolProperty(ctx context.Context, name string, on bool) error {
	obj := a.conn.Object(busName, a.objPath)
	call := obj.CallWithContext(ctx, propertiesIf+".Set", 0, adapterInterface, name, dbus.MakeVariant(on))
	if call.Err != nil {
		return fmt.Errorf("bluez: set %s=%v: %w", name, on, call.Err)
	}
	return nil
}
