/*
Copyright © 2024 Metaldeploy Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/metaldeploy/agent-core/pkg/agenterrors"
	"github.com/metaldeploy/agent-core/pkg/bootloader"
	"github.com/metaldeploy/agent-core/pkg/constants"
	"github.com/metaldeploy/agent-core/pkg/imagepipeline"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// Deploy implements Deployer by composing the image pipeline and bootloader
// installer, the same role installer.InstallElemental plays in the teacher
// repo: one façade, several collaborators, no business logic of its own
// beyond sequencing.
type Deploy struct {
	Config      types.Config
	Pipeline    *imagepipeline.Pipeline
	Bootloader  *bootloader.Installer

	// RebootGracePeriod bounds how long RunImage and PowerOff wait for a
	// clean reboot or power-off before escalating to sysrq-trigger.
	RebootGracePeriod time.Duration
}

// NewDeploy wires a Deploy from cfg, the way cmd/agent's bootstrap wires
// every top-level collaborator from one Config.
func NewDeploy(cfg types.Config, pipeline *imagepipeline.Pipeline, installer *bootloader.Installer) *Deploy {
	return &Deploy{
		Config:            cfg,
		Pipeline:          pipeline,
		Bootloader:        installer,
		RebootGracePeriod: 30 * time.Second,
	}
}

func (d *Deploy) CacheImage(ctx context.Context, img types.ImageInfo, force bool) (string, error) {
	return d.Pipeline.CacheImage(ctx, img, force)
}

func (d *Deploy) PrepareImage(ctx context.Context, img types.ImageInfo, cachePath, targetPath string, layout *types.PartitionLayout) error {
	return d.Pipeline.PrepareImage(ctx, img, cachePath, targetPath, layout)
}

func (d *Deploy) InstallBootloader(ctx context.Context, plan BootloaderPlan) (*types.EFIBootOrder, error) {
	return d.Bootloader.Install(ctx, bootloader.Plan{
		Disk:            plan.Disk,
		HolderDisks:     plan.HolderDisks,
		BootMode:        plan.BootMode,
		Layout:          plan.Layout,
		RootMountPoint:  plan.RootMountPoint,
		ExistingEFIPart: plan.ExistingEFIPart,
	})
}

// GetPartitionUUIDs reads back the root/boot/ESP UUIDs already populated on
// layout's partitions by the partitioner, surfacing them in the shape the
// command server expects to record.
func (d *Deploy) GetPartitionUUIDs(ctx context.Context, layout *types.PartitionLayout) (types.PartitionUUIDs, error) {
	var uuids types.PartitionUUIDs

	root := layout.Partitions.GetByRole("root")
	if root == nil {
		return uuids, fmt.Errorf("partition layout for %s has no root partition", layout.Disk)
	}
	uuids.RootUUID = root.UUID

	if boot := layout.Partitions.GetByRole(constants.BIOSBootPartitionType); boot != nil {
		uuids.BootUUID = boot.UUID
	}
	if esp := layout.Partitions.GetByRole(constants.EFISystemPartitionType); esp != nil {
		uuids.EFISystemPartitionUUID = esp.UUID
	}
	return uuids, nil
}

// Sync flushes pending writes to every disk, shelling out through the
// injected Runner the way every other write-then-verify step in this repo
// does.
func (d *Deploy) Sync(ctx context.Context) error {
	_, stderr, err := d.Config.Runner.Run(ctx, types.RunOptions{
		Binary: "sync",
	})
	if err != nil {
		return &agenterrors.CommandExecutionError{Argv: []string{"sync"}, Stderr: stderr, Err: err}
	}
	return nil
}

// RunImage flushes disks, then reboots the machine, escalating to a
// sysrq-trigger reboot if a clean `reboot` request hasn't taken effect
// within RebootGracePeriod — mirroring the upstream agent's _run_image
// fallback from a polite reboot to `echo b > /proc/sysrq-trigger`.
func (d *Deploy) RunImage(ctx context.Context) error {
	if err := d.Sync(ctx); err != nil {
		return err
	}

	if _, _, err := d.Config.Runner.Run(ctx, types.RunOptions{Binary: "reboot"}); err != nil {
		d.Config.Logger.Warnf("clean reboot request failed: %v, falling back to sysrq-trigger", err)
		return d.sysrqReboot(ctx)
	}

	select {
	case <-time.After(d.RebootGracePeriod):
		d.Config.Logger.Warnf("reboot did not take effect within %s, forcing via sysrq-trigger", d.RebootGracePeriod)
		return d.sysrqReboot(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Deploy) sysrqReboot(ctx context.Context) error {
	if err := d.Config.Fs.WriteFile("/proc/sysrq-trigger", []byte("b"), 0200); err != nil {
		return &agenterrors.CommandExecutionError{Argv: []string{"sysrq-trigger", "b"}, Err: err}
	}
	return nil
}

// PowerOff flushes disks, then powers the machine off instead of rebooting
// it, escalating to a sysrq-trigger power-off (`o`) if a clean `poweroff`
// request fails or hasn't taken effect within RebootGracePeriod.
func (d *Deploy) PowerOff(ctx context.Context) error {
	if err := d.Sync(ctx); err != nil {
		return err
	}
	_, stderr, err := d.Config.Runner.Run(ctx, types.RunOptions{
		Binary: "poweroff",
	})
	if err != nil {
		d.Config.Logger.Warnf("clean poweroff request failed: %v (stderr: %s), falling back to sysrq-trigger", err, stderr)
	} else {
		select {
		case <-time.After(d.RebootGracePeriod):
			d.Config.Logger.Warnf("poweroff did not take effect within %s, forcing via sysrq-trigger", d.RebootGracePeriod)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := d.Config.Fs.WriteFile("/proc/sysrq-trigger", []byte("o"), 0200); err != nil {
		return &agenterrors.CommandExecutionError{Argv: []string{"sysrq-trigger", "o"}, Err: err}
	}
	return nil
}
