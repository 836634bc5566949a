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
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/LadySerena/raspby-hub/device"
	"github.com/LadySerena/raspby-hub/logging"
	"github.com/LadySerena/raspby-hub/partition"
	"github.com/LadySerena/raspby-hub/utility"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cruzer = device.USBIdentity{VendorID: 0x0781, ProductID: 0x5567, Manufacturer: "SanDisk", Product: "Cruzer"}

type fakeDevices struct {
	identities []device.USBIdentity
	err        error
}

func (f fakeDevices) ListDevices(context.Context, bool) ([]device.USBIdentity, error) {
	return f.identities, f.err
}

type fakeResolver struct {
	disk       string
	mountPaths []string
}

func (f fakeResolver) ResolveDisk(context.Context, device.USBIdentity) (string, error) {
	return f.disk, nil
}

func (f fakeResolver) ResolveDisks(_ context.Context, identities []device.USBIdentity) ([]string, error) {
	disks := make([]string, len(identities))
	for index := range disks {
		disks[index] = f.disk
	}
	return disks, nil
}

func (f fakeResolver) ResolveMountPaths(context.Context, device.USBIdentity) ([]string, error) {
	return f.mountPaths, nil
}

type fakeFormatter struct {
	formatted []partition.FormatOptions
	mountPath string
	unmounted int
}

func (f *fakeFormatter) FormatDevice(_ context.Context, _ device.USBIdentity, options partition.FormatOptions) (string, error) {
	f.formatted = append(f.formatted, options)
	f.mountPath = options.MountPath
	if f.mountPath == "" {
		path, err := options.PromptMountPath()
		if err != nil {
			return "", err
		}
		f.mountPath = path
	}
	return "/dev/sdb1", nil
}

func (f *fakeFormatter) Unmount(context.Context, device.USBIdentity) error {
	f.unmounted++
	return nil
}

type fakeImages struct{}

func (fakeImages) ResolveLatestImageURL(_ context.Context, flavor string) (string, error) {
	return "https://example.com/" + flavor + "/2024-03-15-raspios.img.xz", nil
}

func (fakeImages) EnsureLocalImage(context.Context, string) (string, error) {
	return "cache/2024-03-15-raspios.img", nil
}

type fakeWriter struct {
	exitCode int
	writes   [][2]string
}

func (f *fakeWriter) WriteImage(_ context.Context, image string, disk string, _ func(string)) (int, error) {
	f.writes = append(f.writes, [2]string{image, disk})
	return f.exitCode, nil
}

type harness struct {
	installer *Installer
	output    *bytes.Buffer
	formatter *fakeFormatter
	writer    *fakeWriter
	fs        afero.Fs
}

func newHarness(input string, resolver fakeResolver, devices fakeDevices) harness {
	output := &bytes.Buffer{}
	h := harness{
		output:    output,
		formatter: &fakeFormatter{},
		writer:    &fakeWriter{},
		fs:        afero.NewMemMapFs(),
	}
	components := Components{
		Devices:    devices,
		Resolver:   resolver,
		Formatter:  h.formatter,
		Images:     fakeImages{},
		Writer:     h.writer,
		Prompter:   utility.NewPrompter(strings.NewReader(input), output, logging.Discard()),
		FileSystem: h.fs,
		Logger:     logging.Discard(),
		Sizes:      device.DiskSizes{"/dev/sdb": 32 * 1024 * 1024 * 1024},
	}
	h.installer = NewInstaller(components, "lite", partition.FormatOptions{Filesystem: "ext4"})
	return h
}

func TestInstallWithoutFormatting(t *testing.T) {
	h := newHarness("1\nno\n\n", fakeResolver{disk: "/dev/sdb"}, fakeDevices{identities: []device.USBIdentity{cruzer}})

	require.NoError(t, h.installer.Install(context.Background()))
	assert.Contains(t, h.output.String(), "* [1] Cruzer (SanDisk) - 0781:5567 - /dev/sdb 32.0 GB\n")
	assert.Empty(t, h.formatter.formatted)
	assert.Equal(t, 1, h.formatter.unmounted)
	assert.Equal(t, [][2]string{{"cache/2024-03-15-raspios.img", "/dev/sdb"}}, h.writer.writes)
}

func TestInstallWithFormatting(t *testing.T) {
	h := newHarness("1\nyes\n/mnt/usb\ny\n", fakeResolver{disk: "/dev/sdb"}, fakeDevices{identities: []device.USBIdentity{cruzer}})

	require.NoError(t, h.installer.Install(context.Background()))
	require.Len(t, h.formatter.formatted, 1)
	assert.Equal(t, "ext4", h.formatter.formatted[0].Filesystem)
	assert.Equal(t, "/mnt/usb", h.formatter.mountPath)
	assert.Len(t, h.writer.writes, 1)
}

func TestInstallAborted(t *testing.T) {
	h := newHarness("1\nno\nn\n", fakeResolver{disk: "/dev/sdb"}, fakeDevices{identities: []device.USBIdentity{cruzer}})

	assert.ErrorIs(t, h.installer.Install(context.Background()), ErrAborted)
	assert.Empty(t, h.writer.writes)
}

func TestInstallReportsFlashFailure(t *testing.T) {
	h := newHarness("1\nno\n\n", fakeResolver{disk: "/dev/sdb"}, fakeDevices{identities: []device.USBIdentity{cruzer}})
	h.writer.exitCode = 1

	assert.ErrorIs(t, h.installer.Install(context.Background()), ErrFlashFailed)
}

func TestInstallWithoutDevices(t *testing.T) {
	h := newHarness("", fakeResolver{}, fakeDevices{err: device.ErrDeviceEnumeration})
	err := h.installer.Install(context.Background())
	assert.ErrorIs(t, err, ErrNoDevices)
	assert.ErrorIs(t, err, device.ErrDeviceEnumeration)

	h = newHarness("", fakeResolver{}, fakeDevices{})
	assert.ErrorIs(t, h.installer.Install(context.Background()), ErrNoDevices)
}

func TestSetup(t *testing.T) {
	resolver := fakeResolver{disk: "/dev/sdb", mountPaths: []string{"/media/pi/bootfs", "/media/pi/rootfs"}}
	h := newHarness("1\n1\nyes\nyes\nFR\nhome\ncorrecthorse\n", resolver, fakeDevices{identities: []device.USBIdentity{cruzer}})

	require.NoError(t, h.installer.Setup(context.Background()))
	assert.Contains(t, h.output.String(), "* [2] /media/pi/rootfs\n")

	exists, err := afero.Exists(h.fs, "/media/pi/bootfs/ssh")
	require.NoError(t, err)
	assert.True(t, exists)

	wifi, err := afero.ReadFile(h.fs, "/media/pi/bootfs/wpa_supplicant.conf")
	require.NoError(t, err)
	assert.Contains(t, string(wifi), "ssid=\"home\"")
}

func TestSetupRetriesInvalidWifi(t *testing.T) {
	resolver := fakeResolver{disk: "/dev/sdb", mountPaths: []string{"/media/pi/bootfs", "/media/pi/rootfs"}}
	input := "1\n2\nno\nyes\nfr\nhome\ncorrecthorse\nFR\nhome\ncorrecthorse\n"
	h := newHarness(input, resolver, fakeDevices{identities: []device.USBIdentity{cruzer}})

	require.NoError(t, h.installer.Setup(context.Background()))

	exists, err := afero.Exists(h.fs, "/media/pi/rootfs/ssh")
	require.NoError(t, err)
	assert.False(t, exists)

	wifi, err := afero.ReadFile(h.fs, "/media/pi/rootfs/wpa_supplicant.conf")
	require.NoError(t, err)
	assert.Contains(t, string(wifi), "country=FR")
}

func TestSetupWithoutMountPaths(t *testing.T) {
	h := newHarness("1\n", fakeResolver{disk: "/dev/sdb"}, fakeDevices{identities: []device.USBIdentity{cruzer}})
	assert.ErrorIs(t, h.installer.Setup(context.Background()), partition.ErrNoMountPath)
}
