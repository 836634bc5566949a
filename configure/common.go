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

// Package configure prepares the boot partition of a freshly written image
// for its first start.
package configure

import (
	"bytes"
	"embed"
	"io"
	"os"

	"github.com/LadySerena/raspby-hub/utility"
	"github.com/spf13/afero"
)

//go:embed files/*
var configFiles embed.FS

const (
	sshFileName  = "ssh"
	wifiFileName = "wpa_supplicant.conf"

	wifiTemplatePath = "files/wpa_supplicant.conf.template"
)

// IdempotentWrite replaces the file at path with the content of reader unless
// it already holds exactly that content.
func IdempotentWrite(fs afero.Fs, reader io.Reader, path string, mode os.FileMode) error {
	incomingData, readErr := io.ReadAll(reader)
	if readErr != nil {
		return readErr
	}

	currentData, currentErr := afero.ReadFile(fs, path)
	if currentErr == nil && bytes.Equal(incomingData, currentData) {
		return nil
	}
	if currentErr != nil && !os.IsNotExist(currentErr) {
		return currentErr
	}

	file, fileOpenErr := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if fileOpenErr != nil {
		return fileOpenErr
	}
	defer utility.WrappedClose(file)

	_, writeErr := file.Write(incomingData)
	return writeErr
}
