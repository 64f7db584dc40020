// listingd turns marketplace photos into ready-to-publish listings.
//
// It runs as an HTTP service that accepts generate-listing and enhance-image
// jobs, or as a one-shot CLI that runs a single job in the foreground.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
)

// version is overwritten at build time using -ldflags.
var version = "0.1.0"

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCmd(),
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt, os.Kill),
	); err != nil {
		os.Exit(1)
	}
}
