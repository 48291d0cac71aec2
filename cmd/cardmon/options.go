package main

import "time"

type Options struct {
	Plugin           string        `required:"no" short:"p" long:"plugin" default:"pcsc" choice:"pcsc" choice:"libnfc" choice:"stub" description:"Reader driver"`
	ReaderFilter     string        `required:"no" short:"r" long:"reader-filter" default:".*" description:"Regular expression the names of observed readers have to match"`
	Aids             []string      `required:"no" short:"a" long:"aid" description:"AID to select as hex, may be repeated"`
	Protocol         string        `required:"no" long:"protocol" description:"Reader protocol the card has to use, e.g. ISO_14443_4"`
	PowerOnData      string        `required:"no" long:"power-on-data" description:"Regular expression the power-on data of the card has to match"`
	DetectionMode    string        `required:"no" long:"detection-mode" default:"repeating" choice:"repeating" choice:"singleshot" description:"Keep detecting after the first card or not"`
	NotificationMode string        `required:"no" long:"notification-mode" default:"always" choice:"always" choice:"matched-only" description:"Report every card or only matching ones"`
	Multi            bool          `required:"no" long:"multi" description:"Run every selection instead of stopping at the first match"`
	MonitoringCycle  time.Duration `required:"no" long:"monitoring-cycle" default:"1s" description:"How often the reader list is refreshed"`
	Sentry           string        `required:"no" long:"sentry" env:"SENTRY_DSN" description:"Sentry DSN crash reports are sent to"`
	Debug            bool          `required:"no" short:"d" long:"debug" description:"Log debug messages"`
	ShowVersion      bool          `required:"no" short:"v" long:"version" description:"Show version and exit"`
}
