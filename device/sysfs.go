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

package device

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const usbDevicesDir = "bus/usb/devices"

var ErrDeviceEnumeration = errors.New("could not enumerate USB devices")

// DiskResolver reports the whole-disk node of each identity, or "" when
// there is none.
type DiskResolver interface {
	ResolveDisks(ctx context.Context, identities []USBIdentity) ([]string, error)
}

// Matcher lists USB devices from sysfs.
type Matcher struct {
	fileSystem afero.Fs
	sysfsRoot  string
	resolver   DiskResolver
}

func NewMatcher(fileSystem afero.Fs, sysfsRoot string, resolver DiskResolver) *Matcher {
	return &Matcher{fileSystem: fileSystem, sysfsRoot: sysfsRoot, resolver: resolver}
}

// ListDevices returns every distinct identity attached to the host in sysfs
// order. With requireResolvable only identities backed by a disk node are
// kept. An empty result is reported as ErrDeviceEnumeration.
func (m *Matcher) ListDevices(ctx context.Context, requireResolvable bool) ([]USBIdentity, error) {
	root := filepath.Join(m.sysfsRoot, usbDevicesDir)
	entries, readErr := afero.ReadDir(m.fileSystem, root)
	if readErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceEnumeration, readErr)
	}

	seen := make(map[[2]uint16]bool)
	var identities []USBIdentity
	for _, entry := range entries {
		name := entry.Name()
		// root hubs are usbN, interfaces are 1-1:1.0
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		identity, parseErr := m.parseDevice(filepath.Join(root, name))
		if parseErr != nil {
			continue
		}
		if seen[identity.key()] {
			continue
		}
		seen[identity.key()] = true
		identities = append(identities, identity)
	}

	if requireResolvable && len(identities) > 0 {
		disks, resolveErr := m.resolver.ResolveDisks(ctx, identities)
		if resolveErr != nil {
			return nil, resolveErr
		}
		resolvable := identities[:0]
		for index, identity := range identities {
			if disks[index] != "" {
				resolvable = append(resolvable, identity)
			}
		}
		identities = resolvable
	}

	if len(identities) == 0 {
		return nil, fmt.Errorf("%w: no candidate devices found", ErrDeviceEnumeration)
	}
	return identities, nil
}

func (m *Matcher) parseDevice(path string) (USBIdentity, error) {
	vendorID, vendorErr := m.readHexUint16(filepath.Join(path, "idVendor"))
	if vendorErr != nil {
		return USBIdentity{}, vendorErr
	}
	productID, productErr := m.readHexUint16(filepath.Join(path, "idProduct"))
	if productErr != nil {
		return USBIdentity{}, productErr
	}

	return USBIdentity{
		VendorID:     vendorID,
		ProductID:    productID,
		Manufacturer: m.readString(filepath.Join(path, "manufacturer")),
		Product:      m.readString(filepath.Join(path, "product")),
	}, nil
}

func (m *Matcher) readHexUint16(path string) (uint16, error) {
	raw, err := afero.ReadFile(m.fileSystem, path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(value), nil
}

// readString treats a missing descriptor string as empty.
func (m *Matcher) readString(path string) string {
	raw, err := afero.ReadFile(m.fileSystem, path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
