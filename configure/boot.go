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

package configure

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/LadySerena/raspby-hub/telemetry"
	"github.com/LadySerena/raspby-hub/utility"
	"github.com/spf13/afero"
)

var ErrInvalidWifi = errors.New("invalid wifi network")

// WifiNetwork is a WPA-PSK network the Pi joins on first boot.
type WifiNetwork struct {
	// Country is the ISO 3166 alpha-2 regulatory domain, e.g. FR.
	Country string
	SSID    string
	PSK     string
}

func (w WifiNetwork) Validate() error {
	if len(w.Country) != 2 || strings.ToUpper(w.Country) != w.Country {
		return fmt.Errorf("%w: country must be a two letter upper case code, got %q", ErrInvalidWifi, w.Country)
	}
	if len(w.SSID) == 0 || len(w.SSID) > 32 {
		return fmt.Errorf("%w: ssid must be between 1 and 32 bytes", ErrInvalidWifi)
	}
	if len(w.PSK) < 8 || len(w.PSK) > 63 {
		return fmt.Errorf("%w: passphrase must be between 8 and 63 characters", ErrInvalidWifi)
	}
	for _, value := range []string{w.SSID, w.PSK} {
		if strings.ContainsAny(value, "\"\n") {
			return fmt.Errorf("%w: quotes and newlines are not supported", ErrInvalidWifi)
		}
	}
	return nil
}

// EnableSSH drops the empty marker file that turns sshd on at first boot.
func EnableSSH(fs afero.Fs, bootPath string) error {
	return afero.WriteFile(fs, filepath.Join(bootPath, sshFileName), nil, 0644)
}

func WriteWifi(ctx context.Context, fs afero.Fs, bootPath string, network WifiNetwork) error {
	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("configuring wifi: %s", bootPath))
	defer span.End()

	if err := network.Validate(); err != nil {
		return err
	}

	rendered, renderErr := utility.RenderTemplate(ctx, configFiles, wifiTemplatePath, network)
	if renderErr != nil {
		return renderErr
	}

	return IdempotentWrite(fs, &rendered, filepath.Join(bootPath, wifiFileName), 0600)
}
