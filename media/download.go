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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LadySerena/raspby-hub/config"
	"github.com/LadySerena/raspby-hub/logging"
	"github.com/LadySerena/raspby-hub/telemetry"
	"github.com/LadySerena/raspby-hub/utility"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	dateLayout   = "2006-1-2"
	cacheDirMode = 0755
	progressStep = 256 * 1024 * 1024
)

var (
	ErrNoDates       = errors.New("no dated image directories found")
	ErrUnknownFlavor = errors.New("unknown image flavor")
)

type ErrStatusCode struct {
	URL          string
	expectedCode int
	statusCode   int
}

func NewErrStatusCode(url string, expectedCode int, statusCode int) *ErrStatusCode {
	return &ErrStatusCode{URL: url, expectedCode: expectedCode, statusCode: statusCode}
}

func (e ErrStatusCode) Error() string {
	return fmt.Sprintf("%s: expected http code: %d, got %d instead", e.URL, e.expectedCode, e.statusCode)
}

func (e ErrStatusCode) StatusCode() int {
	return e.statusCode
}

type ErrChecksumMismatch struct {
	File     string
	Expected string
	Actual   string
}

func (e ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("checksum of %s does not match: expected %s, got %s", e.File, e.Expected, e.Actual)
}

// ObjectFetcher copies a bucket object into w.
type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket string, object string, w io.Writer) error
}

type Provisioner struct {
	fileSystem     afero.Fs
	client         *http.Client
	runner         utility.Executor
	logger         *logging.Logger
	cacheDir       string
	flavors        map[string]config.Flavor
	verifyChecksum bool
	newObjects     func(ctx context.Context) (ObjectFetcher, error)

	objectsMu sync.Mutex
	objects   ObjectFetcher
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// NewProvisioner builds a provisioner from cfg. newObjects is only called
// the first time a gs:// image is requested.
func NewProvisioner(cfg config.Config, fileSystem afero.Fs, client *http.Client, runner utility.Executor, logger *logging.Logger, newObjects func(ctx context.Context) (ObjectFetcher, error)) *Provisioner {
	return &Provisioner{
		fileSystem:     fileSystem,
		client:         client,
		runner:         runner,
		logger:         logger,
		cacheDir:       cfg.Cache.Dir,
		flavors:        cfg.Image.Flavors,
		verifyChecksum: cfg.Image.VerifyChecksum,
		newObjects:     newObjects,
	}
}

// ResolveLatestImageURL scrapes the index of flavor for dated directories
// and returns the archive URL of the newest one.
func (p *Provisioner) ResolveLatestImageURL(ctx context.Context, flavorName string) (string, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("resolving latest image: %s", flavorName))
	defer span.End()

	flavor, ok := p.flavors[flavorName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFlavor, flavorName)
	}

	var listing bytes.Buffer
	if err := p.get(ctx, flavor.IndexURL, &listing); err != nil {
		return "", err
	}

	latest, err := LatestDate(listing.String(), flavor.Prefix)
	if err != nil {
		return "", fmt.Errorf("%s: %w", flavor.IndexURL, err)
	}
	return ImageURL(flavor, latest), nil
}

// ImageDate is a dated directory found in an index. Stamp keeps the date
// exactly as the server spelled it.
type ImageDate struct {
	Stamp string
	Time  time.Time
}

// LatestDate finds every <prefix>-YYYY-M-D fragment in listing and returns
// the chronologically latest one.
func LatestDate(listing string, prefix string) (ImageDate, error) {
	pattern := regexp.MustCompile(regexp.QuoteMeta(prefix) + `-(\d{4}-\d{1,2}-\d{1,2})`)

	var latest ImageDate
	for _, match := range pattern.FindAllStringSubmatch(listing, -1) {
		date, err := time.Parse(dateLayout, match[1])
		if err != nil {
			continue
		}
		if date.After(latest.Time) {
			latest = ImageDate{Stamp: match[1], Time: date}
		}
	}
	if latest.Time.IsZero() {
		return ImageDate{}, ErrNoDates
	}
	return latest, nil
}

func ImageURL(flavor config.Flavor, date ImageDate) string {
	index := strings.TrimSuffix(flavor.IndexURL, "/")
	return fmt.Sprintf("%s/%s-%s/%s-%s", index, flavor.Prefix, date.Stamp, date.Stamp, flavor.Suffix)
}

// EnsureLocalImage returns the path of the decompressed image for remote,
// downloading and decompressing it first unless the cache already holds it.
// A cached image is trusted as is.
func (p *Provisioner) EnsureLocalImage(ctx context.Context, remote string) (string, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("provisioning image: %s", remote))
	defer span.End()

	artifact, artifactErr := NewImageArtifact(remote, p.cacheDir)
	if artifactErr != nil {
		return "", artifactErr
	}

	cached, statErr := afero.Exists(p.fileSystem, artifact.DecompressedPath())
	if statErr != nil {
		return "", statErr
	}
	if cached {
		p.logger.Infof("using cached image %s", artifact.DecompressedPath())
		return artifact.DecompressedPath(), nil
	}

	if err := p.fileSystem.MkdirAll(artifact.CacheDir, cacheDirMode); err != nil {
		return "", err
	}

	if err := p.DownloadAndVerify(ctx, artifact); err != nil {
		return "", err
	}

	if artifact.Compressed() {
		p.logger.Infof("decompressing %s", artifact.ArchivePath())
		if err := decompress(ctx, p.fileSystem, p.runner, artifact); err != nil {
			return "", err
		}
		if err := p.fileSystem.Remove(artifact.ArchivePath()); err != nil {
			return "", err
		}
	}

	return artifact.DecompressedPath(), nil
}

// DownloadAndVerify fetches the archive and, in parallel, its published
// sha256 sum, then compares them. An image without a published sum is kept
// unverified.
func (p *Provisioner) DownloadAndVerify(ctx context.Context, artifact ImageArtifact) error {
	var checksum bytes.Buffer
	published := false

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.DownloadFile(groupCtx, artifact.RemoteURL, artifact.ArchivePath())
	})
	if p.verifyChecksum {
		group.Go(func() error {
			found, err := p.fetchChecksum(groupCtx, artifact.ChecksumURL(), &checksum)
			published = found
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if !p.verifyChecksum {
		return nil
	}
	if !published {
		p.logger.Warnf("no checksum published for %s, skipping verification", artifact.RemoteURL)
		return nil
	}

	expected, extractErr := extractChecksum(checksum.Bytes())
	if extractErr != nil {
		return extractErr
	}
	return p.ValidateHash(artifact.ArchivePath(), expected)
}

// fetchChecksum reports false without an error when the sum is not published.
func (p *Provisioner) fetchChecksum(ctx context.Context, remote string, w io.Writer) (bool, error) {
	err := p.get(ctx, remote, w)
	var statusErr *ErrStatusCode
	if errors.As(err, &statusErr) && statusErr.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DownloadFile writes remote to fileName in the provisioner's file system.
func (p *Provisioner) DownloadFile(ctx context.Context, remote string, fileName string) error {
	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("downloading: %s", remote))
	defer span.End()

	media, mediaErr := p.fileSystem.Create(fileName)
	if mediaErr != nil {
		return mediaErr
	}
	defer utility.WrappedClose(media)

	p.logger.Infof("downloading %s", remote)
	progress := &progressWriter{logger: p.logger, name: fileName}
	if err := p.get(ctx, remote, io.MultiWriter(media, progress)); err != nil {
		_ = p.fileSystem.Remove(fileName)
		return err
	}
	p.logger.Infof("downloaded %s (%s)", fileName, humanize.Bytes(progress.total))
	return nil
}

func (p *Provisioner) get(ctx context.Context, remote string, w io.Writer) error {
	parsed, parseErr := url.Parse(remote)
	if parseErr != nil {
		return parseErr
	}

	if parsed.Scheme == "gs" {
		objects, err := p.objectFetcher(ctx)
		if err != nil {
			return err
		}
		return objects.Fetch(ctx, parsed.Host, strings.TrimPrefix(parsed.Path, "/"), w)
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if requestErr != nil {
		return requestErr
	}
	response, responseErr := p.client.Do(request)
	if responseErr != nil {
		return responseErr
	}
	defer utility.WrappedClose(response.Body)

	if response.StatusCode != http.StatusOK {
		return NewErrStatusCode(remote, http.StatusOK, response.StatusCode)
	}
	_, copyErr := io.Copy(w, response.Body)
	return copyErr
}

func (p *Provisioner) objectFetcher(ctx context.Context) (ObjectFetcher, error) {
	p.objectsMu.Lock()
	defer p.objectsMu.Unlock()
	if p.objects != nil {
		return p.objects, nil
	}
	if p.newObjects == nil {
		return nil, errors.New("gs:// images are not supported without a storage client")
	}
	objects, err := p.newObjects(ctx)
	if err != nil {
		return nil, err
	}
	p.objects = objects
	return objects, nil
}

func (p *Provisioner) ValidateHash(fileName string, expected string) error {
	file, openErr := p.fileSystem.Open(fileName)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(file)

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return err
	}
	actual := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return ErrChecksumMismatch{File: fileName, Expected: expected, Actual: actual}
	}
	return nil
}

// extractChecksum reads the "<hex>  <file name>" format of sha256sum.
func extractChecksum(fileBytes []byte) (string, error) {
	fields := strings.Fields(string(fileBytes))
	if len(fields) == 0 {
		return "", errors.New("empty checksum file")
	}
	if _, err := hex.DecodeString(fields[0]); err != nil || len(fields[0]) != sha256.Size*2 {
		return "", fmt.Errorf("malformed checksum: %q", fields[0])
	}
	return fields[0], nil
}

type progressWriter struct {
	logger    *logging.Logger
	name      string
	total     uint64
	lastShown uint64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.total += uint64(len(p))
	if w.total-w.lastShown >= progressStep {
		w.logger.Infof("%s: %s downloaded", w.name, humanize.Bytes(w.total))
		w.lastShown = w.total
	}
	return len(p), nil
}
