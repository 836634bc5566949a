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
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/LadySerena/raspby-hub/utility"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

const (
	suffixXz   = ".xz"
	suffixZstd = ".zst"
	suffixGzip = ".gz"

	partialSuffix = ".partial"
)

var compressionSuffixes = []string{suffixXz, suffixZstd, suffixGzip}

// ImageArtifact names the files one remote image occupies in the cache.
type ImageArtifact struct {
	RemoteURL        string
	ArchiveName      string
	DecompressedName string
	CacheDir         string
}

func NewImageArtifact(remote string, cacheDir string) (ImageArtifact, error) {
	parsed, err := url.Parse(remote)
	if err != nil {
		return ImageArtifact{}, err
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return ImageArtifact{}, fmt.Errorf("no file name in image url: %s", remote)
	}

	decompressed := name
	for _, suffix := range compressionSuffixes {
		if strings.HasSuffix(name, suffix) {
			decompressed = strings.TrimSuffix(name, suffix)
			break
		}
	}

	return ImageArtifact{
		RemoteURL:        remote,
		ArchiveName:      name,
		DecompressedName: decompressed,
		CacheDir:         cacheDir,
	}, nil
}

func (a ImageArtifact) ArchivePath() string {
	return filepath.Join(a.CacheDir, a.ArchiveName)
}

func (a ImageArtifact) DecompressedPath() string {
	return filepath.Join(a.CacheDir, a.DecompressedName)
}

func (a ImageArtifact) Compressed() bool {
	return a.ArchiveName != a.DecompressedName
}

func (a ImageArtifact) ChecksumURL() string {
	return a.RemoteURL + ".sha256"
}

// decompress turns the cached archive into the decompressed image. xz goes
// through the xz utility, which needs the OS file system; zstd and gzip are
// streamed into a partial file that is renamed once complete.
func decompress(ctx context.Context, fileSystem afero.Fs, runner utility.Executor, artifact ImageArtifact) error {
	switch {
	case !artifact.Compressed():
		return nil
	case strings.HasSuffix(artifact.ArchiveName, suffixXz):
		command := utility.Command{Name: "xz", Args: []string{"-d", "-k", "-f", artifact.ArchivePath()}}
		result, err := runner.Run(ctx, command)
		if err != nil {
			return err
		}
		if !result.Success() {
			return fmt.Errorf("%s exited with %d", command, result.ExitCode)
		}
		return nil
	case strings.HasSuffix(artifact.ArchiveName, suffixZstd):
		return streamDecompress(fileSystem, artifact, func(r io.Reader) (io.Reader, func(), error) {
			decoder, err := zstd.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return decoder, decoder.Close, nil
		})
	default:
		return streamDecompress(fileSystem, artifact, func(r io.Reader) (io.Reader, func(), error) {
			reader, err := gzip.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return reader, func() { utility.WrappedClose(reader) }, nil
		})
	}
}

type readerFactory func(io.Reader) (io.Reader, func(), error)

func streamDecompress(fileSystem afero.Fs, artifact ImageArtifact, newReader readerFactory) error {
	archive, openErr := fileSystem.Open(artifact.ArchivePath())
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(archive)

	reader, closeReader, readerErr := newReader(archive)
	if readerErr != nil {
		return fmt.Errorf("could not decompress image: %w", readerErr)
	}
	defer closeReader()

	partial := artifact.DecompressedPath() + partialSuffix
	output, outputErr := fileSystem.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if outputErr != nil {
		return outputErr
	}

	if _, err := io.Copy(output, reader); err != nil {
		utility.WrappedClose(output)
		_ = fileSystem.Remove(partial)
		return fmt.Errorf("error during image decompression: %w", err)
	}
	if err := output.Close(); err != nil {
		return err
	}
	return fileSystem.Rename(partial, artifact.DecompressedPath())
}
