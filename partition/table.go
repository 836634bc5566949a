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
	"fmt"

	"github.com/LadySerena/raspby-hub/config"
	"github.com/LadySerena/raspby-hub/utility"
	"github.com/google/uuid"
	"github.com/siderolabs/go-blockdevice/v2/block"
	"github.com/siderolabs/go-blockdevice/v2/partitioning/gpt"
)

// NewGPTSinglePartitionScript is fed to fdisk on stdin: o (new DOS label, to
// clear whatever was there), g (new GPT label), n (new partition) accepting
// the default number, first and last sector, then w (write and exit).
const NewGPTSinglePartitionScript = "o\ng\nn\n\n\n\nw\n"

const dataPartitionLabel = "data"

// linuxFilesystemData is the GPT partition type GUID for Linux filesystems.
var linuxFilesystemData = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")

func NewPartitioner(kind string, runner utility.Executor) (Partitioner, error) {
	switch kind {
	case config.PartitionerFdisk:
		return FdiskPartitioner{runner: runner}, nil
	case config.PartitionerGPT:
		return GPTPartitioner{}, nil
	default:
		return nil, fmt.Errorf("unknown partitioner: %q", kind)
	}
}

// FdiskPartitioner drives the interactive fdisk utility with a fixed script.
type FdiskPartitioner struct {
	runner utility.Executor
}

func NewFdiskPartitioner(runner utility.Executor) FdiskPartitioner {
	return FdiskPartitioner{runner: runner}
}

func fdiskCommand(disk string) utility.Command {
	return utility.Command{Name: "fdisk", Args: []string{disk}, Stdin: NewGPTSinglePartitionScript}
}

func (p FdiskPartitioner) CreateTable(ctx context.Context, disk string) error {
	command := fdiskCommand(disk)
	result, err := p.runner.Run(ctx, command)
	if err != nil {
		return &StepError{Step: StepPartition, Command: command.String(), Err: err}
	}
	if !result.Success() {
		return &StepError{Step: StepPartition, Command: command.String(), ExitCode: result.ExitCode}
	}
	return nil
}

// GPTPartitioner writes the partition table directly to the block device.
type GPTPartitioner struct{}

func (GPTPartitioner) CreateTable(_ context.Context, disk string) error {
	bd, err := block.NewFromPath(disk, block.OpenForWrite())
	if err != nil {
		return fmt.Errorf("failed to open blockdevice %s: %w", disk, err)
	}
	defer bd.Close() //nolint:errcheck

	if err = bd.Lock(true); err != nil {
		return fmt.Errorf("failed to lock blockdevice %s: %w", disk, err)
	}
	defer bd.Unlock() //nolint:errcheck

	gptdev, err := gpt.DeviceFromBlockDevice(bd)
	if err != nil {
		return fmt.Errorf("error getting GPT device: %w", err)
	}

	table, err := gpt.New(gptdev)
	if err != nil {
		return fmt.Errorf("failed to initialize GPT: %w", err)
	}

	if _, _, err = table.AllocatePartition(table.LargestContiguousAllocatable(), dataPartitionLabel, linuxFilesystemData); err != nil {
		return fmt.Errorf("failed to allocate partition on %s: %w", disk, err)
	}

	if err = table.Write(); err != nil {
		return fmt.Errorf("failed to write GPT: %w", err)
	}
	return nil
}
