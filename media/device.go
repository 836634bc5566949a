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

package media

import (
	"context"
	"fmt"
	"strconv"

	"github.com/LadySerena/raspby-hub/logging"
	"github.com/LadySerena/raspby-hub/telemetry"
	"github.com/LadySerena/raspby-hub/utility"
	"github.com/c2h5oh/datasize"
	"go.opentelemetry.io/otel/attribute"
)

// Flasher copies an image onto a whole-disk node with dd.
type Flasher struct {
	runner    utility.Executor
	blockSize datasize.ByteSize
	logger    *logging.Logger
}

func NewFlasher(runner utility.Executor, blockSize datasize.ByteSize, logger *logging.Logger) *Flasher {
	return &Flasher{runner: runner, blockSize: blockSize, logger: logger}
}

// ddBlockSize renders size in the suffix notation dd understands.
func ddBlockSize(size datasize.ByteSize) string {
	switch {
	case size >= datasize.MB && size%datasize.MB == 0:
		return strconv.FormatUint(uint64(size/datasize.MB), 10) + "M"
	case size >= datasize.KB && size%datasize.KB == 0:
		return strconv.FormatUint(uint64(size/datasize.KB), 10) + "K"
	default:
		return strconv.FormatUint(size.Bytes(), 10)
	}
}

func (f *Flasher) command(image string, disk string, progress func(string)) utility.Command {
	// dd reports progress on stderr, fold it into the streamed stdout.
	line := fmt.Sprintf("dd if=%s of=%s bs=%s conv=fsync status=progress 2>&1",
		utility.ShellQuote(image), utility.ShellQuote(disk), ddBlockSize(f.blockSize))
	return utility.Command{Name: line, Shell: true, Stream: true, OnLine: progress}
}

// WriteImage streams image onto disk and returns dd's exit status. A failed
// copy leaves the disk as it is. progress may be nil, in which case lines
// go to the logger.
func (f *Flasher) WriteImage(ctx context.Context, image string, disk string, progress func(string)) (int, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("flashing: %s", disk))
	defer span.End()

	f.logger.Infof("writing %s to %s", image, disk)
	result, err := f.runner.Run(ctx, f.command(image, disk, progress))
	if err != nil {
		return result.ExitCode, err
	}
	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if result.Success() {
		f.logger.Infof("finished writing %s", disk)
	} else {
		f.logger.Errorf("dd exited with %d, %s is only partially written", result.ExitCode, disk)
	}
	return result.ExitCode, nil
}
