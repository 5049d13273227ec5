// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nishisan-dev/lance-client/internal/logging"
	"github.com/nishisan-dev/lance-client/internal/probe"
)

func main() {
	configPath := flag.String("config", "/etc/lance/probe.yaml", "path to probe config file")
	once := flag.Bool("once", false, "run one probe round and exit (no daemon)")
	flag.Parse()

	cfg, err := probe.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if *once {
		if err := probe.RunOnce(context.Background(), cfg, logger); err != nil {
			logger.Error("probe round failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := probe.RunDaemon(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}
