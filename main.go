/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"log"
	"os"

	"github.com/LadySerena/raspby-hub/config"
	"github.com/LadySerena/raspby-hub/install"
	"github.com/LadySerena/raspby-hub/telemetry"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

// steps
// * pick a USB device backed by a disk
// * optionally format it
// * resolve and cache the latest image
// * dd the image onto the disk
// * (setup) enable ssh and wifi on the boot partition

func main() {
	installCommand := flag.Bool("install", false, "Install Raspbian OS on a USB device.")
	setupCommand := flag.Bool("setup", false, "Configure an installed device for its first boot.")
	config.AddFlags(flag.CommandLine)
	flag.Parse()

	localFs := afero.NewOsFs()
	cfg, cfgErr := config.FromCommandLine(localFs, flag.CommandLine)
	if cfgErr != nil {
		log.Fatalf("error loading configuration: %v", cfgErr)
	}

	logger, closeLog, loggerErr := cfg.NewLogger(localFs, os.Stderr)
	if loggerErr != nil {
		log.Fatalf("error creating logger: %v", loggerErr)
	}

	ctx := context.Background()
	shutdown, tracingErr := telemetry.InitProvider(cfg.Telemetry.JaegerEndpoint)
	if tracingErr != nil {
		log.Fatalf("error initializing tracing: %v", tracingErr)
	}

	exit := func(code int) {
		if err := shutdown(ctx); err != nil {
			logger.Warnf("error flushing traces: %v", err)
		}
		_ = closeLog()
		os.Exit(code)
	}

	installer, installerErr := install.New(cfg, os.Stdin, os.Stdout, logger)
	if installerErr != nil {
		logger.Criticalf("%v", installerErr)
		exit(1)
	}

	var run func(context.Context) error
	switch {
	case *installCommand:
		run = installer.Install
	case *setupCommand:
		run = installer.Setup
	default:
		logger.Criticalf("No command provided. You must provide a specific command to interact with Raspby Hub.")
		exit(1)
	}

	if err := run(ctx); err != nil {
		logger.Criticalf("%v", err)
		exit(1)
	}
	exit(0)
}
