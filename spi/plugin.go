package spi

import "time"

type PluginSpi interface {
	Name() string
	SearchAvailableReaders() ([]ReaderSpi, error)
	OnUnregister()
}

// ObservablePluginSpi drivers are polled for their reader list.
type ObservablePluginSpi interface {
	PluginSpi
	MonitoringCycleDuration() time.Duration
	SearchAvailableReaderNames() ([]string, error)
	SearchReader(name string) (ReaderSpi, error)
}

// AutonomousObservablePluginApi is handed to autonomous plugin drivers so
// they can push reader connections.
type AutonomousObservablePluginApi interface {
	OnReaderConnected(readers []ReaderSpi)
	OnReaderDisconnected(names []string)
}

type AutonomousObservablePluginSpi interface {
	PluginSpi
	Connect(api AutonomousObservablePluginApi)
}

// PoolPluginSpi drivers hand out readers on demand from groups.
type PoolPluginSpi interface {
	Name() string
	ReaderGroupReferences() ([]string, error)
	AllocateReader(groupReference string) (ReaderSpi, error)
	ReleaseReader(reader ReaderSpi) error
	OnUnregister()
}
