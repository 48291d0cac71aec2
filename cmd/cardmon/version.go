package main

import (
	"fmt"
	"runtime"
	"strings"
)

// Set by the release build through -ldflags "-X main.Version=...".
var (
	Version     = "<unknown>"
	BuildDate   = "<unknown>"
	BuildNumber = "<unknown>"
	BuildCommit = "<unknown>"
)

var drivers = []string{"pcsc", "libnfc", "stub"}

func showVersion() {
	for _, line := range [][2]string{
		{"Version:", Version},
		{"BuildDate:", BuildDate},
		{"BuildNumber:", BuildNumber},
		{"BuildCommit:", BuildCommit},
		{"Drivers:", strings.Join(drivers, ", ")},
		{"Compiler:", runtime.Compiler},
		{"Architecture:", runtime.GOARCH},
		{"OS:", runtime.GOOS},
		{"Go version:", runtime.Version()},
	} {
		fmt.Printf("%-13s%s\n", line[0], line[1])
	}
}
