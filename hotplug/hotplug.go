// Package hotplug turns USB plug events into immediate reader discovery so
// that a plugin does not have to wait for its next monitoring cycle.
package hotplug

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/gousb"
	"github.com/rs/zerolog/log"
)

type DevicePresence int

const (
	_                      = iota
	Present DevicePresence = iota
	Removed DevicePresence = iota
)

func (p DevicePresence) String() string {
	switch p {
	case Present:
		return "Present"
	case Removed:
		return "Removed"
	}
	return "unknown"
}

// Device identifies a USB device by bus position.
type Device struct {
	Bus     int
	Address int
	Vendor  gousb.ID
	Product gousb.ID
}

func (d Device) ID() string {
	return fmt.Sprintf("%d.%d", d.Bus, d.Address)
}

type DeviceChangeEvent struct {
	Presence DevicePresence
	Device   Device
}

// UsbDeviceMonitor reports USB devices coming and going. The channel
// returned by Monitor is closed when the monitor's context is done.
type UsbDeviceMonitor interface {
	Monitor() (<-chan DeviceChangeEvent, error)
	Close() error
}

// Rescanner is implemented by plugins able to search for readers on demand,
// plugin.ObservableLocalPlugin among them.
type Rescanner interface {
	Name() string
	Rescan()
}

// Filter selects the devices worth a rescan. A nil Filter accepts all.
type Filter func(d Device) bool

// VendorFilter accepts devices of the given vendors.
func VendorFilter(vendors ...gousb.ID) Filter {
	return func(d Device) bool {
		for _, v := range vendors {
			if d.Vendor == v {
				return true
			}
		}
		return false
	}
}

// diff reports the devices in found but not in known as present and the
// ones in known but not in found as removed, ordered by ID.
func diff(known, found map[string]Device) []DeviceChangeEvent {
	events := make([]DeviceChangeEvent, 0)
	for id, d := range found {
		if _, ok := known[id]; !ok {
			events = append(events, DeviceChangeEvent{Presence: Present, Device: d})
		}
	}
	for id, d := range known {
		if _, ok := found[id]; !ok {
			events = append(events, DeviceChangeEvent{Presence: Removed, Device: d})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Device.ID() < events[j].Device.ID()
	})
	return events
}

// Forward rescans every plugin for each event passing filter until events is
// closed or ctx is done.
func Forward(ctx context.Context, events <-chan DeviceChangeEvent, filter Filter, plugins ...Rescanner) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filter != nil && !filter(ev.Device) {
				continue
			}
			log.Debug().
				Str("device", ev.Device.ID()).
				Stringer("presence", ev.Presence).
				Str("vendor", ev.Device.Vendor.String()).
				Str("product", ev.Device.Product.String()).
				Msg("USB device changed")
			for _, p := range plugins {
				log.Debug().Str("plugin", p.Name()).Msg("Rescanning after USB change")
				p.Rescan()
			}
		}
	}
}
