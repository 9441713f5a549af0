//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/AnishMulay/sandmem/internal/config"
	"github.com/AnishMulay/sandmem/servers/engine"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("sandmemd", pflag.ExitOnError)
	configPath := flags.String("config", "./run/sandmem.yaml", "path to the YAML config, created with defaults when missing")
	listen := flags.String("listen", "", "listen address, overrides listen_addr")
	dataDir := flags.String("data-dir", "", "directory for logs, overrides data_dir")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	blockSize := flags.String("block-size", "", "arena block size, e.g. 4KiB")
	blockCount := flags.Uint64("block-count", 0, "number of arena blocks")
	altBacking := flags.Bool("alt-backing", false, "back the arena with a /dev/shm file instead of a memfd")
	numa := flags.Bool("numa-interleave", false, "interleave arena pages across NUMA nodes")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandmemd: %v\n", err)
		os.Exit(1)
	}

	if flags.Changed("listen") {
		cfg.ListenAddr = *listen
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = *dataDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flags.Changed("block-size") {
		cfg.Arena.BlockSize = *blockSize
	}
	if flags.Changed("block-count") {
		cfg.Arena.BlockCount = *blockCount
	}
	if flags.Changed("alt-backing") {
		cfg.Arena.AltBacking = *altBacking
	}
	if flags.Changed("numa-interleave") {
		cfg.Arena.NumaInterleave = *numa
	}

	node, err := engine.Build(engine.Options{Config: cfg, LogMirror: os.Stderr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandmemd: %v\n", err)
		os.Exit(1)
	}
	if err := node.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "sandmemd: %v\n", err)
		os.Exit(1)
	}
}
