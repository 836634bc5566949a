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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LadySerena/raspby-hub/config"
	"github.com/LadySerena/raspby-hub/logging"
	"github.com/LadySerena/raspby-hub/utility"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cacheDir = "/cache"

const listing = `<html><body>
<a href="raspios_lite_armhf-2023-05-01/">raspios_lite_armhf-2023-05-01/</a>
<a href="raspios_lite_armhf-2024-01-10/">raspios_lite_armhf-2024-01-10/</a>
<a href="raspios_lite_armhf-2023-12-31/">raspios_lite_armhf-2023-12-31/</a>
</body></html>`

type fakeExecutor struct {
	commands []utility.Command
	exitCode int
	lines    []string
}

func (e *fakeExecutor) Run(_ context.Context, command utility.Command) (utility.Result, error) {
	e.commands = append(e.commands, command)
	for _, line := range e.lines {
		if command.OnLine != nil {
			command.OnLine(line)
		}
	}
	return utility.Result{ExitCode: e.exitCode}, nil
}

// imageServer serves files from a map and counts every request it sees.
type imageServer struct {
	*httptest.Server
	files    map[string][]byte
	requests atomic.Int32
}

func newImageServer(t *testing.T, files map[string][]byte) *imageServer {
	s := &imageServer{files: files}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		body, ok := s.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestProvisioner(fileSystem afero.Fs, executor utility.Executor, indexURL string) *Provisioner {
	cfg := config.Default()
	cfg.Cache.Dir = cacheDir
	cfg.Image.Flavors = map[string]config.Flavor{
		"lite": {IndexURL: indexURL, Prefix: "raspios_lite_armhf", Suffix: "raspios-bookworm-armhf-lite.img.xz"},
	}
	return NewProvisioner(cfg, fileSystem, NewHTTPClient(time.Minute), executor, logging.Discard(), nil)
}

func sha256Sidecar(content []byte, name string) []byte {
	sum := sha256.Sum256(content)
	return []byte(hex.EncodeToString(sum[:]) + "  " + name + "\n")
}

func gzipBytes(t *testing.T, content []byte) []byte {
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	_, err := writer.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buffer.Bytes()
}

func zstdBytes(t *testing.T, content []byte) []byte {
	encoder, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer encoder.Close()
	return encoder.EncodeAll(content, nil)
}

func TestLatestDate(t *testing.T) {
	cases := []struct {
		name     string
		listing  string
		expected string
		stamp    string
	}{
		{name: "padded", listing: listing, expected: "2024-01-10", stamp: "2024-01-10"},
		{name: "not padded", listing: "raspios_lite_armhf-2023-9-5/ raspios_lite_armhf-2023-10-1/", expected: "2023-10-01", stamp: "2023-10-1"},
		{name: "other prefixes ignored", listing: "raspios_armhf-2025-01-01/ raspios_lite_armhf-2022-04-04/", expected: "2022-04-04", stamp: "2022-04-04"},
	}
	for _, tt := range cases {
		latest, err := LatestDate(tt.listing, "raspios_lite_armhf")
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.expected, latest.Time.Format("2006-01-02"), tt.name)
		assert.Equal(t, tt.stamp, latest.Stamp, tt.name)
	}
}

func TestLatestDateWithoutDates(t *testing.T) {
	_, err := LatestDate("<html>nothing here</html>", "raspios_lite_armhf")
	assert.ErrorIs(t, err, ErrNoDates)
}

func TestImageURL(t *testing.T) {
	flavor := config.Flavor{IndexURL: "https://example.com/images/", Prefix: "raspios_lite_armhf", Suffix: "raspios-bookworm-armhf-lite.img.xz"}
	actual := ImageURL(flavor, ImageDate{Stamp: "2024-01-10", Time: time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)})
	assert.Equal(t, "https://example.com/images/raspios_lite_armhf-2024-01-10/2024-01-10-raspios-bookworm-armhf-lite.img.xz", actual)
}

func TestResolveLatestImageURLKeepsUnpaddedStamp(t *testing.T) {
	unpadded := `<a href="raspios_lite_armhf-2024-2-28/">raspios_lite_armhf-2024-2-28/</a>
<a href="raspios_lite_armhf-2024-3-5/">raspios_lite_armhf-2024-3-5/</a>`
	server := newImageServer(t, map[string][]byte{"/images/": []byte(unpadded)})
	provisioner := newTestProvisioner(afero.NewMemMapFs(), &fakeExecutor{}, server.URL+"/images/")

	actual, err := provisioner.ResolveLatestImageURL(context.Background(), "lite")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/images/raspios_lite_armhf-2024-3-5/2024-3-5-raspios-bookworm-armhf-lite.img.xz", actual)
}

func TestResolveLatestImageURL(t *testing.T) {
	server := newImageServer(t, map[string][]byte{"/images/": []byte(listing)})
	provisioner := newTestProvisioner(afero.NewMemMapFs(), &fakeExecutor{}, server.URL+"/images/")

	actual, err := provisioner.ResolveLatestImageURL(context.Background(), "lite")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/images/raspios_lite_armhf-2024-01-10/2024-01-10-raspios-bookworm-armhf-lite.img.xz", actual)
}

func TestResolveLatestImageURLErrors(t *testing.T) {
	server := newImageServer(t, map[string][]byte{"/empty/": []byte("<html></html>")})

	provisioner := newTestProvisioner(afero.NewMemMapFs(), &fakeExecutor{}, server.URL+"/missing/")
	_, err := provisioner.ResolveLatestImageURL(context.Background(), "lite")
	var statusErr *ErrStatusCode
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode())

	provisioner = newTestProvisioner(afero.NewMemMapFs(), &fakeExecutor{}, server.URL+"/empty/")
	_, err = provisioner.ResolveLatestImageURL(context.Background(), "lite")
	assert.ErrorIs(t, err, ErrNoDates)

	_, err = provisioner.ResolveLatestImageURL(context.Background(), "ubuntu")
	assert.ErrorIs(t, err, ErrUnknownFlavor)
}

func TestEnsureLocalImageCacheHit(t *testing.T) {
	server := newImageServer(t, map[string][]byte{})
	fileSystem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fileSystem, "/cache/2024-03-15-raspios-bookworm-armhf.img", []byte("image"), 0644))
	executor := &fakeExecutor{}
	provisioner := newTestProvisioner(fileSystem, executor, server.URL)

	local, err := provisioner.EnsureLocalImage(context.Background(), server.URL+"/x/2024-03-15-raspios-bookworm-armhf.img.xz")
	require.NoError(t, err)
	assert.Equal(t, "/cache/2024-03-15-raspios-bookworm-armhf.img", local)
	assert.Equal(t, int32(0), server.requests.Load())
	assert.Empty(t, executor.commands)
}

func TestEnsureLocalImageDownloadsGzip(t *testing.T) {
	content := []byte("a raspberry pi disk image")
	archive := gzipBytes(t, content)
	server := newImageServer(t, map[string][]byte{
		"/img/2024-03-15-test.img.gz":        archive,
		"/img/2024-03-15-test.img.gz.sha256": sha256Sidecar(archive, "2024-03-15-test.img.gz"),
	})
	fileSystem := afero.NewMemMapFs()
	provisioner := newTestProvisioner(fileSystem, &fakeExecutor{}, server.URL)
	remote := server.URL + "/img/2024-03-15-test.img.gz"

	local, err := provisioner.EnsureLocalImage(context.Background(), remote)
	require.NoError(t, err)
	assert.Equal(t, "/cache/2024-03-15-test.img", local)

	written, err := afero.ReadFile(fileSystem, local)
	require.NoError(t, err)
	assert.Equal(t, content, written)

	for _, leftover := range []string{"/cache/2024-03-15-test.img.gz", "/cache/2024-03-15-test.img.partial"} {
		exists, err := afero.Exists(fileSystem, leftover)
		require.NoError(t, err)
		assert.False(t, exists, leftover)
	}

	requests := server.requests.Load()
	assert.Equal(t, int32(2), requests)
	_, err = provisioner.EnsureLocalImage(context.Background(), remote)
	require.NoError(t, err)
	assert.Equal(t, requests, server.requests.Load())
}

func TestEnsureLocalImageWithoutPublishedChecksum(t *testing.T) {
	content := []byte("zstd compressed image")
	server := newImageServer(t, map[string][]byte{
		"/img/2024-03-15-test.img.zst": zstdBytes(t, content),
	})
	fileSystem := afero.NewMemMapFs()
	provisioner := newTestProvisioner(fileSystem, &fakeExecutor{}, server.URL)

	local, err := provisioner.EnsureLocalImage(context.Background(), server.URL+"/img/2024-03-15-test.img.zst")
	require.NoError(t, err)

	written, err := afero.ReadFile(fileSystem, local)
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestEnsureLocalImageChecksumMismatch(t *testing.T) {
	archive := gzipBytes(t, []byte("tampered"))
	server := newImageServer(t, map[string][]byte{
		"/img/2024-03-15-test.img.gz":        archive,
		"/img/2024-03-15-test.img.gz.sha256": sha256Sidecar([]byte("untampered"), "2024-03-15-test.img.gz"),
	})
	fileSystem := afero.NewMemMapFs()
	provisioner := newTestProvisioner(fileSystem, &fakeExecutor{}, server.URL)

	_, err := provisioner.EnsureLocalImage(context.Background(), server.URL+"/img/2024-03-15-test.img.gz")
	var mismatch ErrChecksumMismatch
	require.True(t, errors.As(err, &mismatch))

	exists, err := afero.Exists(fileSystem, "/cache/2024-03-15-test.img")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEnsureLocalImageXzUsesUtility(t *testing.T) {
	server := newImageServer(t, map[string][]byte{"/img/2024-03-15-test.img.xz": []byte("xz data")})
	fileSystem := afero.NewMemMapFs()
	executor := &fakeExecutor{}
	provisioner := newTestProvisioner(fileSystem, executor, server.URL)

	local, err := provisioner.EnsureLocalImage(context.Background(), server.URL+"/img/2024-03-15-test.img.xz")
	require.NoError(t, err)
	assert.Equal(t, "/cache/2024-03-15-test.img", local)

	require.Len(t, executor.commands, 1)
	assert.Equal(t, "xz -d -k -f /cache/2024-03-15-test.img.xz", executor.commands[0].String())
}

func TestEnsureLocalImageXzFailure(t *testing.T) {
	server := newImageServer(t, map[string][]byte{"/img/2024-03-15-test.img.xz": []byte("xz data")})
	provisioner := newTestProvisioner(afero.NewMemMapFs(), &fakeExecutor{exitCode: 1}, server.URL)

	_, err := provisioner.EnsureLocalImage(context.Background(), server.URL+"/img/2024-03-15-test.img.xz")
	assert.Error(t, err)
}

type fakeObjects struct {
	objects map[string][]byte
}

func (f fakeObjects) Fetch(_ context.Context, bucket string, object string, w io.Writer) error {
	body, ok := f.objects[bucket+"/"+object]
	if !ok {
		return NewErrStatusCode("gs://"+bucket+"/"+object, http.StatusOK, http.StatusNotFound)
	}
	_, err := w.Write(body)
	return err
}

func TestEnsureLocalImageFromBucket(t *testing.T) {
	content := []byte("bucket image")
	fileSystem := afero.NewMemMapFs()
	cfg := config.Default()
	cfg.Cache.Dir = cacheDir
	created := 0
	provisioner := NewProvisioner(cfg, fileSystem, NewHTTPClient(time.Minute), &fakeExecutor{}, logging.Discard(),
		func(context.Context) (ObjectFetcher, error) {
			created++
			return fakeObjects{objects: map[string][]byte{"images/pi/custom.img.gz": gzipBytes(t, content)}}, nil
		})

	local, err := provisioner.EnsureLocalImage(context.Background(), "gs://images/pi/custom.img.gz")
	require.NoError(t, err)

	written, err := afero.ReadFile(fileSystem, local)
	require.NoError(t, err)
	assert.Equal(t, content, written)
	assert.Equal(t, 1, created)
}

func TestNewImageArtifact(t *testing.T) {
	cases := []struct {
		remote       string
		archive      string
		decompressed string
		compressed   bool
	}{
		{remote: "https://example.com/a/2024-03-15-raspios.img.xz", archive: "2024-03-15-raspios.img.xz", decompressed: "2024-03-15-raspios.img", compressed: true},
		{remote: "https://example.com/a/b.img.zst", archive: "b.img.zst", decompressed: "b.img", compressed: true},
		{remote: "gs://bucket/c.img", archive: "c.img", decompressed: "c.img", compressed: false},
	}
	for _, tt := range cases {
		artifact, err := NewImageArtifact(tt.remote, cacheDir)
		require.NoError(t, err, tt.remote)
		assert.Equal(t, tt.archive, artifact.ArchiveName, tt.remote)
		assert.Equal(t, tt.decompressed, artifact.DecompressedName, tt.remote)
		assert.Equal(t, tt.compressed, artifact.Compressed(), tt.remote)
		assert.Equal(t, tt.remote+".sha256", artifact.ChecksumURL(), tt.remote)
	}

	_, err := NewImageArtifact("https://example.com/", cacheDir)
	assert.Error(t, err)
}
