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
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const (
	propertySubsystem      = "SUBSYSTEM"
	propertyDevType        = "DEVTYPE"
	propertyDevName        = "DEVNAME"
	propertyVendorID       = "ID_VENDOR_ID"
	propertyModelID        = "ID_MODEL_ID"
	propertyPartTableType  = "ID_PART_TABLE_TYPE"
	subsystemBlock         = "block"
	devTypeDisk            = "disk"
	devTypePartition       = "partition"
	DefaultMountsPath      = "/proc/mounts"
	mountTableMinimumField = 2
)

var ErrNoDisk = errors.New("no disk node found for device")

// Resolver maps identities to block device nodes by querying the udev
// database every time. Nothing is cached because partitions and mounts
// change underneath it.
type Resolver struct {
	database   Database
	fileSystem afero.Fs
	mountsPath string
}

func NewResolver(database Database, fileSystem afero.Fs, mountsPath string) *Resolver {
	return &Resolver{database: database, fileSystem: fileSystem, mountsPath: mountsPath}
}

// ResolveDisk returns the whole-disk node for identity or "" when none
// matches.
func (r *Resolver) ResolveDisk(ctx context.Context, identity USBIdentity) (string, error) {
	entries, err := r.database.Entries(ctx)
	if err != nil {
		return "", err
	}
	return diskNode(entries, identity), nil
}

// ResolveDisks resolves every identity against a single database read. The
// result is index aligned with identities.
func (r *Resolver) ResolveDisks(ctx context.Context, identities []USBIdentity) ([]string, error) {
	entries, err := r.database.Entries(ctx)
	if err != nil {
		return nil, err
	}
	disks := make([]string, len(identities))
	for index, identity := range identities {
		disks[index] = diskNode(entries, identity)
	}
	return disks, nil
}

// diskNode skips entries without a partition table type, which keeps loop
// and other virtual devices with copied descriptors out.
func diskNode(entries []Entry, identity USBIdentity) string {
	for _, entry := range entries {
		if !isBlockOfType(entry, devTypeDisk) || !matchesIdentity(entry, identity) {
			continue
		}
		if _, ok := entry.Property(propertyPartTableType); !ok {
			continue
		}
		if name, ok := entry.Property(propertyDevName); ok {
			return name
		}
	}
	return ""
}

// ResolvePartitions returns partition nodes of identity in database order.
func (r *Resolver) ResolvePartitions(ctx context.Context, identity USBIdentity) ([]string, error) {
	entries, err := r.database.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var partitions []string
	for _, entry := range entries {
		if !isBlockOfType(entry, devTypePartition) || !matchesIdentity(entry, identity) {
			continue
		}
		if name, ok := entry.Property(propertyDevName); ok {
			partitions = append(partitions, name)
		}
	}
	return partitions, nil
}

// ResolveMountPaths returns the mount point of every mount table line that
// contains one of identity's partition nodes.
//
// The match is a plain substring test, so /dev/sda1 also matches a line for
// /dev/sda11. Callers needing an exact answer should use IsMounted.
func (r *Resolver) ResolveMountPaths(ctx context.Context, identity USBIdentity) ([]string, error) {
	partitions, err := r.ResolvePartitions(ctx, identity)
	if err != nil {
		return nil, err
	}
	lines, err := r.mountTable()
	if err != nil {
		return nil, err
	}

	var mountPaths []string
	for _, line := range lines {
		for _, partition := range partitions {
			if !strings.Contains(line, partition) {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < mountTableMinimumField {
				continue
			}
			mountPaths = append(mountPaths, fields[1])
		}
	}
	return mountPaths, nil
}

// Resolve gathers disk, partitions and mounts of identity in one snapshot.
func (r *Resolver) Resolve(ctx context.Context, identity USBIdentity) (ResolvedDisk, error) {
	disk, err := r.ResolveDisk(ctx, identity)
	if err != nil {
		return ResolvedDisk{}, err
	}
	if disk == "" {
		return ResolvedDisk{}, ErrNoDisk
	}
	partitions, err := r.ResolvePartitions(ctx, identity)
	if err != nil {
		return ResolvedDisk{}, err
	}
	mountPaths, err := r.ResolveMountPaths(ctx, identity)
	if err != nil {
		return ResolvedDisk{}, err
	}
	return ResolvedDisk{
		Identity:       identity,
		DiskNode:       disk,
		PartitionNodes: partitions,
		MountPaths:     mountPaths,
	}, nil
}

// IsMounted reports whether node is the source of any mount table line,
// comparing the first field exactly.
func (r *Resolver) IsMounted(node string) (bool, error) {
	lines, err := r.mountTable()
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= mountTableMinimumField && fields[0] == node {
			return true, nil
		}
	}
	return false, nil
}

// MountedPartitions returns each distinct mount source that is disk itself
// or one of its partitions, such as /dev/sdb1 or /dev/mmcblk0p2.
func (r *Resolver) MountedPartitions(disk string) ([]string, error) {
	lines, err := r.mountTable()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var sources []string
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < mountTableMinimumField || seen[fields[0]] || !onDisk(fields[0], disk) {
			continue
		}
		seen[fields[0]] = true
		sources = append(sources, fields[0])
	}
	return sources, nil
}

func onDisk(source string, disk string) bool {
	rest, ok := strings.CutPrefix(source, disk)
	if !ok {
		return false
	}
	if rest == "" {
		return true
	}
	rest = strings.TrimPrefix(rest, "p")
	_, err := strconv.Atoi(rest)
	return err == nil && !strings.HasPrefix(rest, "-") && !strings.HasPrefix(rest, "+")
}

func (r *Resolver) mountTable() ([]string, error) {
	raw, err := afero.ReadFile(r.fileSystem, r.mountsPath)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func isBlockOfType(entry Entry, devType string) bool {
	subsystem, _ := entry.Property(propertySubsystem)
	actual, _ := entry.Property(propertyDevType)
	return subsystem == subsystemBlock && actual == devType
}

// matchesIdentity compares the hexadecimal vendor and model ids of entry
// with the numeric ids of identity.
func matchesIdentity(entry Entry, identity USBIdentity) bool {
	vendor, ok := parseHexProperty(entry, propertyVendorID)
	if !ok || vendor != identity.VendorID {
		return false
	}
	model, ok := parseHexProperty(entry, propertyModelID)
	return ok && model == identity.ProductID
}

func parseHexProperty(entry Entry, key string) (uint16, bool) {
	raw, ok := entry.Property(key)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(value), true
}
