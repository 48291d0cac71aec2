//go:build !linux

package main

import (
	"context"

	"github.com/MeneDev/scard-reader-service/hotplug"
)

func watchHotplug(ctx context.Context, r hotplug.Rescanner) {}
