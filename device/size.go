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
	"path"

	"github.com/c2h5oh/datasize"
	"github.com/jaypipes/ghw"
)

// DiskSizes maps a disk node such as /dev/sdb to its capacity in bytes.
type DiskSizes map[string]uint64

func ProbeDiskSizes() (DiskSizes, error) {
	block, err := ghw.Block()
	if err != nil {
		return nil, err
	}
	sizes := make(DiskSizes, len(block.Disks))
	for _, disk := range block.Disks {
		sizes[path.Join("/dev", disk.Name)] = disk.SizeBytes
	}
	return sizes, nil
}

// Describe returns a human readable capacity for node, or "" if unknown.
func (s DiskSizes) Describe(node string) string {
	size, ok := s[node]
	if !ok || size == 0 {
		return ""
	}
	return datasize.ByteSize(size).HumanReadable()
}
