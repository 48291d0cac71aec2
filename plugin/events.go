package plugin

import (
	"sort"

	"github.com/google/uuid"
)

type PluginEventType int

const (
	_                   PluginEventType = iota
	READER_CONNECTED    PluginEventType = iota
	READER_DISCONNECTED PluginEventType = iota
	UNAVAILABLE         PluginEventType = iota
)

func (t PluginEventType) String() string {
	switch t {
	case READER_CONNECTED:
		return "READER_CONNECTED"
	case READER_DISCONNECTED:
		return "READER_DISCONNECTED"
	case UNAVAILABLE:
		return "UNAVAILABLE"
	}
	return "unknown"
}

// PluginEvent reports readers appearing or vanishing. ReaderNames is sorted.
type PluginEvent struct {
	ID          string
	PluginName  string
	ReaderNames []string
	Type        PluginEventType
}

func newPluginEvent(pluginName string, eventType PluginEventType, readerNames []string) PluginEvent {
	names := append([]string{}, readerNames...)
	sort.Strings(names)
	return PluginEvent{
		ID:          uuid.NewString(),
		PluginName:  pluginName,
		ReaderNames: names,
		Type:        eventType,
	}
}

type Observer interface {
	OnPluginEvent(event PluginEvent)
}

// ObservationExceptionHandler receives errors raised while observing a
// plugin, such as a failing reader discovery or a panicking observer.
type ObservationExceptionHandler interface {
	OnPluginObservationError(pluginName string, err error)
}
