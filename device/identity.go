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

// Package device finds attached USB storage and maps it to the block device
// nodes, partitions and mount points the kernel created for it.
package device

import (
	"fmt"
)

// USBIdentity identifies a class of USB device by its descriptor ids. Two
// identical sticks share an identity.
type USBIdentity struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
}

func (i USBIdentity) String() string {
	return fmt.Sprintf("%s (%s) - %04x:%04x", orUnknown(i.Product), orUnknown(i.Manufacturer), i.VendorID, i.ProductID)
}

func (i USBIdentity) key() [2]uint16 {
	return [2]uint16{i.VendorID, i.ProductID}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// ResolvedDisk is a snapshot of what an identity maps to. Partitions and
// mounts change under destructive operations, so resolve again afterwards
// instead of reusing one.
type ResolvedDisk struct {
	Identity       USBIdentity
	DiskNode       string
	PartitionNodes []string
	MountPaths     []string
}
