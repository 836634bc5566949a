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

package main

import (
	"context"
	"log"

	"github.com/LadySerena/raspby-hub/configure"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

func main() {
	bootPath := flag.StringP("boot", "b", "", "mount path of the boot partition")
	enableSSH := flag.Bool("ssh", false, "enable the ssh server on first boot")
	wifiCountry := flag.String("wifi-country", "", "two letter Wi-Fi regulatory country code")
	wifiSSID := flag.String("wifi-ssid", "", "Wi-Fi network to join on first boot")
	wifiPSK := flag.String("wifi-psk", "", "Wi-Fi passphrase")
	flag.Parse()

	if *bootPath == "" {
		log.Fatalf("you must specify the mount path of the boot partition")
	}

	localFS := afero.NewOsFs()
	exists, statErr := afero.DirExists(localFS, *bootPath)
	if statErr != nil || !exists {
		log.Fatalf("boot partition is not mounted at %s", *bootPath)
	}

	if *enableSSH {
		if err := configure.EnableSSH(localFS, *bootPath); err != nil {
			log.Fatalf("error enabling ssh: %v", err)
		}
		log.Printf("ssh enabled on %s", *bootPath)
	}

	if *wifiSSID != "" {
		network := configure.WifiNetwork{Country: *wifiCountry, SSID: *wifiSSID, PSK: *wifiPSK}
		if err := configure.WriteWifi(context.Background(), localFS, *bootPath, network); err != nil {
			log.Fatalf("error configuring wifi: %v", err)
		}
		log.Printf("wifi network %s configured on %s", *wifiSSID, *bootPath)
	}
}
