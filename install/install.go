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

// Package install drives the interactive install and first boot setup of a
// Raspberry Pi OS image on a USB device.
package install

import (
	"context"
	"errors"
	"fmt"

	"github.com/LadySerena/raspby-hub/configure"
	"github.com/LadySerena/raspby-hub/device"
	"github.com/LadySerena/raspby-hub/logging"
	"github.com/LadySerena/raspby-hub/partition"
	"github.com/LadySerena/raspby-hub/telemetry"
	"github.com/LadySerena/raspby-hub/utility"
	"github.com/spf13/afero"
)

var (
	ErrNoDevices   = errors.New("there are no USB devices which can be mounted later")
	ErrAborted     = errors.New("aborted by operator")
	ErrFlashFailed = errors.New("flashing the image failed")
)

type DeviceLister interface {
	ListDevices(ctx context.Context, requireResolvable bool) ([]device.USBIdentity, error)
}

type DiskResolver interface {
	ResolveDisk(ctx context.Context, identity device.USBIdentity) (string, error)
	ResolveDisks(ctx context.Context, identities []device.USBIdentity) ([]string, error)
	ResolveMountPaths(ctx context.Context, identity device.USBIdentity) ([]string, error)
}

type Formatter interface {
	FormatDevice(ctx context.Context, identity device.USBIdentity, options partition.FormatOptions) (string, error)
	Unmount(ctx context.Context, identity device.USBIdentity) error
}

type ImageProvider interface {
	ResolveLatestImageURL(ctx context.Context, flavor string) (string, error)
	EnsureLocalImage(ctx context.Context, remote string) (string, error)
}

type ImageWriter interface {
	WriteImage(ctx context.Context, image string, disk string, progress func(string)) (int, error)
}

// Components are the collaborators an Installer drives.
type Components struct {
	Devices    DeviceLister
	Resolver   DiskResolver
	Formatter  Formatter
	Images     ImageProvider
	Writer     ImageWriter
	Prompter   *utility.Prompter
	FileSystem afero.Fs
	Logger     *logging.Logger
	Sizes      device.DiskSizes
}

type Installer struct {
	Components
	flavor string
	format partition.FormatOptions
}

func NewInstaller(components Components, flavor string, format partition.FormatOptions) *Installer {
	return &Installer{Components: components, flavor: flavor, format: format}
}

// Install lets the operator pick a device, optionally formats it, then
// writes the latest image of the configured flavor onto it.
func (i *Installer) Install(ctx context.Context) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "installing image")
	defer span.End()

	identity, err := i.selectDevice(ctx, "Please select the device you want to install Raspbian on : ")
	if err != nil {
		return err
	}

	format, err := i.Prompter.YesNo("Do you want to format the device before installing Raspbian? (yes/no): ")
	if err != nil {
		return err
	}
	if format {
		options := i.format
		options.PromptMountPath = func() (string, error) {
			return i.Prompter.Text("Please enter the folder to mount the device on : ")
		}
		if _, err := i.Formatter.FormatDevice(ctx, identity, options); err != nil {
			return err
		}
	}

	i.Logger.Infof("Installing Raspbian on device '%s'...", identity)
	remote, err := i.Images.ResolveLatestImageURL(ctx, i.flavor)
	if err != nil {
		return err
	}
	local, err := i.Images.EnsureLocalImage(ctx, remote)
	if err != nil {
		return err
	}

	// Formatting replaced the partitions, look the disk up again.
	disk, err := i.Resolver.ResolveDisk(ctx, identity)
	if err != nil {
		return err
	}
	if disk == "" {
		return fmt.Errorf("%w: %s", device.ErrNoDisk, identity)
	}

	if !i.Prompter.ConfirmDialog("are you sure you want to flash the image to %s: [Y/n]: ", disk) {
		return ErrAborted
	}
	if err := i.Formatter.Unmount(ctx, identity); err != nil {
		return err
	}

	exitCode, err := i.Writer.WriteImage(ctx, local, disk, nil)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: dd exited with %d", ErrFlashFailed, exitCode)
	}
	i.Logger.Infof("Raspbian has been installed on %s", disk)
	return nil
}

// Setup prepares the boot partition of an already written device for its
// first start.
func (i *Installer) Setup(ctx context.Context) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "setting up first boot")
	defer span.End()

	i.Logger.Infof("Configuring the Raspberry Pi for first boot...")
	identity, err := i.selectDevice(ctx, "Please select the device where Raspbian is installed : ")
	if err != nil {
		return err
	}

	mountPaths, err := i.Resolver.ResolveMountPaths(ctx, identity)
	if err != nil {
		return err
	}
	if len(mountPaths) == 0 {
		return fmt.Errorf("%w: %s", partition.ErrNoMountPath, identity)
	}

	i.Prompter.Printf("\nThe following mount paths were found.\n\n")
	choice, err := i.Prompter.Choose("Please select the mount folder of the boot disk : ", mountPaths)
	if err != nil {
		return err
	}
	bootPath := mountPaths[choice]

	enableSSH, err := i.Prompter.YesNo("Do you want to enable SSH ? (yes/no): ")
	if err != nil {
		return err
	}
	if enableSSH {
		if err := configure.EnableSSH(i.FileSystem, bootPath); err != nil {
			return err
		}
		i.Logger.Infof("SSH has been enabled.")
	}

	wifi, err := i.Prompter.YesNo("Do you want to configure Wi-Fi connection ? (yes/no): ")
	if err != nil {
		return err
	}
	if !wifi {
		return nil
	}
	network, err := i.askWifi()
	if err != nil {
		return err
	}
	if err := configure.WriteWifi(ctx, i.FileSystem, bootPath, network); err != nil {
		return err
	}
	i.Logger.Infof("Wi-Fi connection to %s has been configured.", network.SSID)
	return nil
}

func (i *Installer) askWifi() (configure.WifiNetwork, error) {
	for {
		var network configure.WifiNetwork
		var err error
		if network.Country, err = i.Prompter.Text("Wi-Fi country code (e.g. FR) : "); err != nil {
			return network, err
		}
		if network.SSID, err = i.Prompter.Text("Wi-Fi network name : "); err != nil {
			return network, err
		}
		if network.PSK, err = i.Prompter.Text("Wi-Fi passphrase : "); err != nil {
			return network, err
		}
		validateErr := network.Validate()
		if validateErr == nil {
			return network, nil
		}
		i.Logger.Warnf("%v. Please try again.", validateErr)
	}
}

// selectDevice lists the flashable devices and returns the one the operator
// picks.
func (i *Installer) selectDevice(ctx context.Context, prompt string) (device.USBIdentity, error) {
	identities, err := i.Devices.ListDevices(ctx, true)
	if err != nil {
		return device.USBIdentity{}, fmt.Errorf("%w: %w", ErrNoDevices, err)
	}
	if len(identities) == 0 {
		return device.USBIdentity{}, ErrNoDevices
	}

	disks, err := i.Resolver.ResolveDisks(ctx, identities)
	if err != nil {
		return device.USBIdentity{}, err
	}

	options := make([]string, len(identities))
	for index, identity := range identities {
		options[index] = fmt.Sprintf("%s - %s", identity, disks[index])
		if size := i.Sizes.Describe(disks[index]); size != "" {
			options[index] += " " + size
		}
	}

	i.Prompter.Printf("\nThe following USB devices were found.\n\n")
	choice, err := i.Prompter.Choose(prompt, options)
	if err != nil {
		return device.USBIdentity{}, err
	}
	return identities[choice], nil
}
