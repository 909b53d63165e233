// Package main is the entry point for mediabusd, the media bus operator CLI.
//
// mediabusd wires one audio/video input to any number of independently
// configured outputs through an in-process media bus: transcoding for outputs
// that set encode options, stream-copy otherwise, with hardware-accelerated
// codec selection and software fallback.
package main

import (
	"os"

	"github.com/jmylchreest/mediabusd/cmd/mediabusd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
