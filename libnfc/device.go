// Package libnfc drives contactless readers supported by libnfc through
// github.com/clausecker/nfc/v2. Cards are found by polling.
package libnfc

import (
	"github.com/clausecker/nfc/v2"
	"github.com/pkg/errors"
)

// Device is the part of nfc.Device the driver uses.
type Device interface {
	InitiatorListPassiveTargets(m nfc.Modulation) ([]nfc.Target, error)
	InitiatorSelectPassiveTarget(m nfc.Modulation, initData []byte) (nfc.Target, error)
	InitiatorDeselectTarget() error
	InitiatorTransceiveBytes(tx, rx []byte, timeout int) (int, error)
	Close() error
	String() string
	Connection() string
}

// Manager finds and opens devices.
type Manager interface {
	ListDevices() ([]string, error)
	OpenDevice(connection string) (Device, error)
}

type defaultManager struct{}

// DefaultManager talks to libnfc.
func DefaultManager() Manager {
	return defaultManager{}
}

func (defaultManager) ListDevices() ([]string, error) {
	return nfc.ListDevices()
}

// OpenDevice opens the device and puts it in initiator mode.
func (defaultManager) OpenDevice(connection string) (Device, error) {
	dev, err := nfc.Open(connection)
	if err != nil {
		return nil, err
	}
	if err := dev.InitiatorInit(); err != nil {
		_ = dev.Close()
		return nil, errors.Wrapf(err, "initializing %s as initiator", connection)
	}
	return dev, nil
}
