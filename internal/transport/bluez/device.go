package bluez

import (
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/codefionn/go-ble-central/internal/central"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
)

// managedObjects is the reply of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// device is the transport's view of one org.bluez.Device1 object.
type device struct {
	id        uuid.UUID
	path      dbus.ObjectPath
	address   string
	name      string
	services  []uuid.UUID
	rssi      int
	hasRSSI   bool
	payload   []byte
	connected bool
}

// apply merges changed Device1 properties. It reports whether the change
// carries fresh advertising data.
func (d *device) apply(props map[string]dbus.Variant) (advertised bool) {
	for key, v := range props {
		switch key {
		case "Address":
			if s, ok := v.Value().(string); ok {
				d.address = strings.ToUpper(s)
			}
		case "Alias":
			if s, ok := v.Value().(string); ok && d.name == "" {
				d.name = s
			}
		case "Name":
			if s, ok := v.Value().(string); ok {
				d.name = s
			}
		case "UUIDs":
			if ss, ok := v.Value().([]string); ok {
				d.services = parseUUIDs(ss)
			}
		case "RSSI":
			if r, ok := v.Value().(int16); ok {
				d.rssi = int(r)
				d.hasRSSI = true
				advertised = true
			}
		case "ManufacturerData":
			if md, ok := v.Value().(map[uint16]dbus.Variant); ok {
				d.payload = encodeManufacturerData(md)
				advertised = true
			}
		case "ServiceData":
			advertised = true
		case "Connected":
			if b, ok := v.Value().(bool); ok {
				d.connected = b
			}
		}
	}
	return advertised
}

func (d *device) advertisement() central.Advertisement {
	return central.Advertisement{
		Peripheral:  d.id,
		LocalName:   d.name,
		ServiceIDs:  append([]uuid.UUID(nil), d.services...),
		Payload:     append([]byte(nil), d.payload...),
		RSSI:        d.rssi,
		Connectable: true,
	}
}

// parseUUIDs keeps the well-formed entries of a BlueZ UUIDs property.
func parseUUIDs(ss []string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(ss))
	for _, s := range ss {
		id, err := central.ParseServiceID(s)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// encodeManufacturerData rebuilds the manufacturer specific AD structures
// BlueZ decoded, ordered by company identifier.
func encodeManufacturerData(md map[uint16]dbus.Variant) []byte {
	companies := make([]uint16, 0, len(md))
	for c := range md {
		companies = append(companies, c)
	}
	sort.Slice(companies, func(i, j int) bool { return companies[i] < companies[j] })

	var out []byte
	for _, c := range companies {
		data, ok := md[c].Value().([]byte)
		if !ok || len(data) > 251 {
			continue
		}
		out = append(out, byte(len(data)+3), 0xFF, byte(c), byte(c>>8))
		out = append(out, data...)
	}
	return out
}

// discoveryFilter builds the argument of Adapter1.SetDiscoveryFilter.
func discoveryFilter(services []uuid.UUID, opts central.ScanOptions) map[string]dbus.Variant {
	uuids := make([]string, 0, len(services)+len(opts.SolicitedServiceIDs))
	for _, id := range services {
		uuids = append(uuids, id.String())
	}
	for _, id := range opts.SolicitedServiceIDs {
		uuids = append(uuids, id.String())
	}
	return map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"UUIDs":         dbus.MakeVariant(uuids),
		"DuplicateData": dbus.MakeVariant(opts.AllowDuplicates),
	}
}

// adapterPath returns the object path of a named adapter such as hci0.
func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// underAdapter reports whether path is a direct child of the adapter.
func underAdapter(adapter, path dbus.ObjectPath) bool {
	rest, ok := strings.CutPrefix(string(path), string(adapter)+"/")
	return ok && rest != "" && !strings.Contains(rest, "/")
}

func stateFromPowered(powered bool) central.ManagerState {
	if powered {
		return central.StatePoweredOn
	}
	return central.StatePoweredOff
}

func matchesServices(d *device, services []uuid.UUID) bool {
	if len(services) == 0 {
		return true
	}
	for _, s := range d.services {
		for _, want := range services {
			if s == want {
				return true
			}
		}
	}
	return false
}
