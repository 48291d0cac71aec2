package hotplug

import (
	"context"

	"github.com/google/gousb"
	"github.com/jochenvg/go-udev"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var _ UsbDeviceMonitor = (*udevDeviceMonitor)(nil)

// udevDeviceMonitor listens to udev for USB add and remove actions and
// enumerates the bus with libusb to tell which devices changed.
type udevDeviceMonitor struct {
	ctx          context.Context
	usbContext   *gousb.Context
	knownDevices map[string]Device
}

// UsbDeviceMonitorNew returns a monitor that reports until ctx is done.
func UsbDeviceMonitorNew(ctx context.Context) (UsbDeviceMonitor, error) {
	return &udevDeviceMonitor{
		ctx:          ctx,
		usbContext:   gousb.NewContext(),
		knownDevices: make(map[string]Device),
	}, nil
}

// Monitor reports the devices present at start, then every change.
func (mon *udevDeviceMonitor) Monitor() (<-chan DeviceChangeEvent, error) {
	ctx := mon.ctx
	u := udev.Udev{}
	m := u.NewMonitorFromNetlink("udev")
	if err := m.FilterAddMatchSubsystem("usb"); err != nil {
		return nil, errors.Wrap(err, "filtering udev events")
	}
	in, err := m.DeviceChan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listening to udev")
	}

	out := make(chan DeviceChangeEvent)
	go func() {
		defer close(out)
		mon.checkDevices(ctx, out)
		for d := range in {
			action := d.Action()
			if action == "add" || action == "remove" {
				mon.checkDevices(ctx, out)
			}
		}
	}()
	return out, nil
}

func (mon *udevDeviceMonitor) checkDevices(ctx context.Context, out chan<- DeviceChangeEvent) {
	found := make(map[string]Device)
	devices, err := mon.usbContext.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		d := Device{Bus: desc.Bus, Address: desc.Address, Vendor: desc.Vendor, Product: desc.Product}
		found[d.ID()] = d
		return false
	})
	for _, d := range devices {
		_ = d.Close()
	}
	if err != nil {
		log.Warn().Err(err).Msg("Could not enumerate USB devices")
		return
	}

	for _, ev := range diff(mon.knownDevices, found) {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
	mon.knownDevices = found
}

func (mon *udevDeviceMonitor) Close() error {
	return mon.usbContext.Close()
}
