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

package partition

import (
	"context"
	"errors"
	"fmt"

	"github.com/LadySerena/raspby-hub/device"
	"github.com/LadySerena/raspby-hub/logging"
	"github.com/LadySerena/raspby-hub/telemetry"
	"github.com/LadySerena/raspby-hub/utility"
	"github.com/siderolabs/go-blockdevice/v2/partitioning"
	"github.com/spf13/afero"
)

const (
	StepUnmount   = "unmount"
	StepWipe      = "wipe"
	StepPartition = "partition"
	StepMkfs      = "mkfs"
	StepMount     = "mount"

	mountPointMode = 0751
)

var (
	ErrStepFailed  = errors.New("format step failed")
	ErrNoMountPath = errors.New("no mount path resolved for device")
)

// StepError reports which step of a format run failed and how.
type StepError struct {
	Step     string
	Command  string
	ExitCode int
	Err      error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s step failed: %s exited with %d", e.Step, e.Command, e.ExitCode)
}

func (e *StepError) Is(target error) bool {
	return target == ErrStepFailed
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type Resolver interface {
	ResolveDisk(ctx context.Context, identity device.USBIdentity) (string, error)
	ResolvePartitions(ctx context.Context, identity device.USBIdentity) ([]string, error)
	ResolveMountPaths(ctx context.Context, identity device.USBIdentity) ([]string, error)
	IsMounted(node string) (bool, error)
	MountedPartitions(disk string) ([]string, error)
}

// Partitioner replaces the partition table of a whole disk with a GPT label
// holding one partition that spans the disk.
type Partitioner interface {
	CreateTable(ctx context.Context, disk string) error
}

type FormatOptions struct {
	Filesystem string
	MountPath  string
	// PromptMountPath is asked for a mount point when MountPath is empty.
	PromptMountPath func() (string, error)
}

type Orchestrator struct {
	runner      utility.Executor
	resolver    Resolver
	partitioner Partitioner
	fileSystem  afero.Fs
	logger      *logging.Logger
}

func NewOrchestrator(runner utility.Executor, resolver Resolver, partitioner Partitioner, fileSystem afero.Fs, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		runner:      runner,
		resolver:    resolver,
		partitioner: partitioner,
		fileSystem:  fileSystem,
		logger:      logger,
	}
}

// FormatDevice unmounts, wipes, repartitions, formats and mounts the disk
// behind identity. Any failing step stops the sequence; nothing is rolled
// back. It returns the partition that was mounted.
func (o *Orchestrator) FormatDevice(ctx context.Context, identity device.USBIdentity, options FormatOptions) (string, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("formatting device: %s", identity))
	defer span.End()

	disk, diskErr := o.resolver.ResolveDisk(ctx, identity)
	if diskErr != nil {
		return "", diskErr
	}
	if disk == "" {
		return "", fmt.Errorf("%w: %s", device.ErrNoDisk, identity)
	}
	partitions, partitionsErr := o.resolver.ResolvePartitions(ctx, identity)
	if partitionsErr != nil {
		return "", partitionsErr
	}

	if err := o.unmountAll(ctx, partitions); err != nil {
		return "", err
	}

	o.logger.Infof("wiping signatures on %s", disk)
	if err := o.step(ctx, StepWipe, utility.Command{Name: "wipefs", Args: []string{"-a", disk}}); err != nil {
		return "", err
	}

	o.logger.Infof("creating GPT partition table on %s", disk)
	if err := o.partitioner.CreateTable(ctx, disk); err != nil {
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			return "", err
		}
		return "", &StepError{Step: StepPartition, Command: disk, Err: err}
	}

	first, firstErr := o.firstPartition(ctx, identity, disk)
	if firstErr != nil {
		return "", firstErr
	}

	o.logger.Infof("creating %s filesystem on %s", options.Filesystem, first)
	mkfs := utility.Command{Name: fmt.Sprintf("mkfs.%s", options.Filesystem), Args: []string{first}}
	if err := o.step(ctx, StepMkfs, mkfs); err != nil {
		return "", err
	}

	mountPath, mountPathErr := o.mountPath(options)
	if mountPathErr != nil {
		return "", mountPathErr
	}
	if err := o.fileSystem.MkdirAll(mountPath, mountPointMode); err != nil {
		return "", &StepError{Step: StepMount, Command: mountPath, Err: err}
	}
	o.logger.Infof("mounting %s on %s", first, mountPath)
	if err := o.step(ctx, StepMount, utility.Command{Name: "mount", Args: []string{first, mountPath}}); err != nil {
		return "", err
	}

	return first, nil
}

// Unmount releases every partition of identity, for instance before the
// whole disk is overwritten.
func (o *Orchestrator) Unmount(ctx context.Context, identity device.USBIdentity) error {
	partitions, err := o.resolver.ResolvePartitions(ctx, identity)
	if err != nil {
		return err
	}
	return o.unmountAll(ctx, partitions)
}

// UnmountDisk releases whatever the mount table holds of disk, for callers
// that only know the device node.
func (o *Orchestrator) UnmountDisk(ctx context.Context, disk string) error {
	mounted, err := o.resolver.MountedPartitions(disk)
	if err != nil {
		return &StepError{Step: StepUnmount, Err: err}
	}
	return o.unmountAll(ctx, mounted)
}

// unmountAll is best effort: a failed umount only matters when the
// partition still shows up in the mount table afterwards.
func (o *Orchestrator) unmountAll(ctx context.Context, partitions []string) error {
	for _, partition := range partitions {
		command := utility.Command{Name: "umount", Args: []string{partition}}
		result, err := o.runner.Run(ctx, command)
		if err != nil {
			return &StepError{Step: StepUnmount, Command: command.String(), Err: err}
		}
		if result.Success() {
			continue
		}
		mounted, mountedErr := o.resolver.IsMounted(partition)
		if mountedErr != nil {
			return &StepError{Step: StepUnmount, Command: command.String(), Err: mountedErr}
		}
		if mounted {
			return &StepError{Step: StepUnmount, Command: command.String(), ExitCode: result.ExitCode}
		}
		o.logger.Debugf("%s was not mounted", partition)
	}
	return nil
}

// firstPartition re-reads the database after partitioning since the old
// partition list is stale. When udev has not caught up yet the node name
// is derived from the disk.
func (o *Orchestrator) firstPartition(ctx context.Context, identity device.USBIdentity, disk string) (string, error) {
	settle := utility.Command{Name: "udevadm", Args: []string{"settle"}}
	if result, err := o.runner.Run(ctx, settle); err != nil || !result.Success() {
		o.logger.Warnf("udevadm settle did not finish cleanly, partition list may lag")
	}

	partitions, err := o.resolver.ResolvePartitions(ctx, identity)
	if err != nil {
		return "", err
	}
	if len(partitions) > 0 {
		return partitions[0], nil
	}
	return partitioning.DevName(disk, 1), nil
}

func (o *Orchestrator) mountPath(options FormatOptions) (string, error) {
	if options.MountPath != "" {
		return options.MountPath, nil
	}
	if options.PromptMountPath == nil {
		return "", &StepError{Step: StepMount, Err: errors.New("no mount path given")}
	}
	path, err := options.PromptMountPath()
	if err != nil {
		return "", &StepError{Step: StepMount, Err: err}
	}
	return path, nil
}

func (o *Orchestrator) step(ctx context.Context, step string, command utility.Command) error {
	result, err := o.runner.Run(ctx, command)
	if err != nil {
		return &StepError{Step: step, Command: command.String(), Err: err}
	}
	if !result.Success() {
		return &StepError{Step: step, Command: command.String(), ExitCode: result.ExitCode}
	}
	return nil
}

// IsFilesystemEmpty is true only when identity has exactly one partition and
// the directory it is mounted on has no entries. More than one partition is
// reported as not empty without looking.
func (o *Orchestrator) IsFilesystemEmpty(ctx context.Context, identity device.USBIdentity) (bool, error) {
	partitions, err := o.resolver.ResolvePartitions(ctx, identity)
	if err != nil {
		return false, err
	}
	if len(partitions) != 1 {
		return false, nil
	}

	mountPaths, err := o.resolver.ResolveMountPaths(ctx, identity)
	if err != nil {
		return false, err
	}
	if len(mountPaths) == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoMountPath, partitions[0])
	}

	entries, err := afero.ReadDir(o.fileSystem, mountPaths[0])
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
