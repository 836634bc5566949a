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
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/LadySerena/raspby-hub/config"
	"github.com/LadySerena/raspby-hub/install"
	"github.com/LadySerena/raspby-hub/telemetry"
	"github.com/LadySerena/raspby-hub/utility"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

func main() {
	imageName := flag.StringP("image", "i", "", "local image path, image url, or gs:// object; defaults to the latest image of the configured flavor")
	outputDevice := flag.StringP("device", "d", "", "specify which target device to flash the image")
	assumeYes := flag.BoolP("yes", "y", false, "do not ask for confirmation")
	config.AddFlags(flag.CommandLine)
	flag.Parse()

	if *outputDevice == "" || !strings.HasPrefix(*outputDevice, "/dev/") {
		log.Fatalf("you must specify a valid block device")
	}

	localFs := afero.NewOsFs()
	cfg, cfgErr := config.FromCommandLine(localFs, flag.CommandLine)
	if cfgErr != nil {
		log.Fatalf("error loading configuration: %v", cfgErr)
	}
	logger, closeLog, loggerErr := cfg.NewLogger(localFs, os.Stderr)
	if loggerErr != nil {
		log.Fatalf("error creating logger: %v", loggerErr)
	}
	defer func() { _ = closeLog() }()

	ctx := context.Background()
	shutdown, tracingErr := telemetry.InitProvider(cfg.Telemetry.JaegerEndpoint)
	if tracingErr != nil {
		log.Fatalf("error initializing tracing: %v", tracingErr)
	}
	defer func() { _ = shutdown(ctx) }()

	stack, stackErr := install.NewStack(cfg, logger)
	if stackErr != nil {
		log.Fatalf("error creating components: %v", stackErr)
	}

	image, imageErr := localImage(ctx, localFs, stack, cfg.Image.Flavor, *imageName)
	if imageErr != nil {
		log.Fatalf("error provisioning image: %v", imageErr)
	}

	prompter := utility.NewPrompter(os.Stdin, os.Stdout, logger)
	if !*assumeYes && !prompter.ConfirmDialog("are you sure you want to flash the image to %s: [Y/n]: ", *outputDevice) {
		fmt.Println("nope")
		return
	}

	if err := flashDevice(ctx, stack.Orchestrator, stack.Flasher, image, *outputDevice); err != nil {
		log.Fatalf("%v", err)
	}
}

type diskUnmounter interface {
	UnmountDisk(ctx context.Context, disk string) error
}

type imageWriter interface {
	WriteImage(ctx context.Context, image string, disk string, progress func(string)) (int, error)
}

// flashDevice releases every mounted partition of disk before dd touches it.
func flashDevice(ctx context.Context, unmounter diskUnmounter, writer imageWriter, image string, disk string) error {
	if err := unmounter.UnmountDisk(ctx, disk); err != nil {
		return fmt.Errorf("could not unmount %s: %w", disk, err)
	}
	exitCode, err := writer.WriteImage(ctx, image, disk, nil)
	if err != nil {
		return fmt.Errorf("could not run dd: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("dd exited with %d", exitCode)
	}
	return nil
}

// localImage returns a path to flash. An existing file is used as is,
// anything else goes through the image cache.
func localImage(ctx context.Context, fs afero.Fs, stack *install.Stack, flavor string, name string) (string, error) {
	if name == "" {
		latest, err := stack.Provisioner.ResolveLatestImageURL(ctx, flavor)
		if err != nil {
			return "", err
		}
		name = latest
	}

	exists, statErr := afero.Exists(fs, name)
	if statErr != nil {
		return "", statErr
	}
	if exists {
		return name, nil
	}
	return stack.Provisioner.EnsureLocalImage(ctx, name)
}
