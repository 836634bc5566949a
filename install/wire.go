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

package install

import (
	"io"

	"github.com/LadySerena/raspby-hub/config"
	"github.com/LadySerena/raspby-hub/device"
	"github.com/LadySerena/raspby-hub/logging"
	"github.com/LadySerena/raspby-hub/media"
	"github.com/LadySerena/raspby-hub/partition"
	"github.com/LadySerena/raspby-hub/utility"
	"github.com/spf13/afero"
)

// Stack is every component built from one configuration, sharing a runner
// and the host file system.
type Stack struct {
	FileSystem   afero.Fs
	Runner       *utility.Runner
	Resolver     *device.Resolver
	Matcher      *device.Matcher
	Orchestrator *partition.Orchestrator
	Provisioner  *media.Provisioner
	Flasher      *media.Flasher
}

func NewStack(cfg config.Config, logger *logging.Logger) (*Stack, error) {
	fileSystem := afero.NewOsFs()
	runner := utility.NewRunner(logger)

	resolver := device.NewResolver(device.NewUdevDatabase(runner), fileSystem, cfg.System.MountsPath)
	partitioner, err := partition.NewPartitioner(cfg.Format.Partitioner, runner)
	if err != nil {
		return nil, err
	}

	client := media.NewHTTPClient(cfg.HTTP.Timeout)
	objects := media.NewGCSFetcherFactory(cfg.Storage.CredentialsFile)

	return &Stack{
		FileSystem:   fileSystem,
		Runner:       runner,
		Resolver:     resolver,
		Matcher:      device.NewMatcher(fileSystem, cfg.System.SysfsRoot, resolver),
		Orchestrator: partition.NewOrchestrator(runner, resolver, partitioner, fileSystem, logger),
		Provisioner:  media.NewProvisioner(cfg, fileSystem, client, runner, logger, objects),
		Flasher:      media.NewFlasher(runner, cfg.Flash.BlockSize, logger),
	}, nil
}

// New wires an Installer talking to the operator through in and out.
func New(cfg config.Config, in io.Reader, out io.Writer, logger *logging.Logger) (*Installer, error) {
	stack, err := NewStack(cfg, logger)
	if err != nil {
		return nil, err
	}

	sizes, sizesErr := device.ProbeDiskSizes()
	if sizesErr != nil {
		logger.Warnf("could not read disk sizes: %v", sizesErr)
	}

	components := Components{
		Devices:    stack.Matcher,
		Resolver:   stack.Resolver,
		Formatter:  stack.Orchestrator,
		Images:     stack.Provisioner,
		Writer:     stack.Flasher,
		Prompter:   utility.NewPrompter(in, out, logger),
		FileSystem: stack.FileSystem,
		Logger:     logger,
		Sizes:      sizes,
	}
	format := partition.FormatOptions{Filesystem: cfg.Format.Filesystem, MountPath: cfg.Format.MountPath}
	return NewInstaller(components, cfg.Image.Flavor, format), nil
}
