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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/LadySerena/raspby-hub/utility"
)

// Entry is one device record of the udev database.
type Entry struct {
	SysPath    string
	Properties map[string]string
}

func (e Entry) Property(key string) (string, bool) {
	value, ok := e.Properties[key]
	return value, ok
}

type Database interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// UdevDatabase queries the live udev database through udevadm.
type UdevDatabase struct {
	runner utility.Executor
}

func NewUdevDatabase(runner utility.Executor) UdevDatabase {
	return UdevDatabase{runner: runner}
}

func (d UdevDatabase) Entries(ctx context.Context) ([]Entry, error) {
	command := utility.Command{Name: "udevadm", Args: []string{"info", "--export-db"}, Quiet: true}
	result, err := d.runner.Run(ctx, command)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return nil, fmt.Errorf("%s exited with %d", command, result.ExitCode)
	}
	return ParseExportDB(strings.NewReader(result.Stdout))
}

// ParseExportDB reads the `udevadm info --export-db` format: blank line
// separated records of "X: value" lines where E: lines carry KEY=VALUE
// properties. Records without properties are dropped.
func ParseExportDB(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var entries []Entry
	current := Entry{Properties: map[string]string{}}
	flush := func() {
		if len(current.Properties) > 0 {
			entries = append(entries, current)
		}
		current = Entry{Properties: map[string]string{}}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		tag, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		switch tag {
		case "P":
			current.SysPath = value
		case "E":
			key, propertyValue, ok := strings.Cut(value, "=")
			if ok {
				current.Properties[key] = propertyValue
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
