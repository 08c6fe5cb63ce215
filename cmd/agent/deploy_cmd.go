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

package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metaldeploy/agent-core/pkg/agent"
	"github.com/metaldeploy/agent-core/pkg/agentparams"
	"github.com/metaldeploy/agent-core/pkg/hints"
	"github.com/metaldeploy/agent-core/pkg/mountutil"
	"github.com/metaldeploy/agent-core/pkg/partitioner"
	"github.com/metaldeploy/agent-core/pkg/rootdevice"
	"github.com/metaldeploy/agent-core/pkg/types"
)

var (
	imageURL      string
	imageChecksum string
	checksumAlgo  string
	bootMode      string
	poweroffAfter bool
	forceCache    bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Cache an image, partition the matched root device, install a bootloader, and hand off",
	RunE:  runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&imageURL, "image-url", "", "image URL to deploy (repeat via comma-separated list for fallback mirrors)")
	deployCmd.Flags().StringVar(&imageChecksum, "image-checksum", "", "expected image checksum, hex encoded")
	deployCmd.Flags().StringVar(&checksumAlgo, "checksum-algo", "sha256", "checksum algorithm: sha256, sha512, or md5 (md5 requires --allow-md5-checksum)")
	deployCmd.Flags().StringVar(&bootMode, "boot-mode", "uefi", "boot mode: uefi or bios")
	deployCmd.Flags().Bool("allow-md5-checksum", false, "permit the legacy md5 checksum algorithm")
	deployCmd.Flags().BoolVar(&poweroffAfter, "poweroff", false, "power off instead of rebooting after a successful deploy")
	deployCmd.Flags().BoolVar(&forceCache, "force-cache", false, "bypass the image cache and re-download even if image-id was already cached")
	_ = viper.BindPFlag("allow-md5-checksum", deployCmd.Flags().Lookup("allow-md5-checksum"))

	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	deploy, err := buildConfig()
	if err != nil {
		return err
	}
	deploy.Pipeline.AllowMD5Checksum = viper.GetBool("allow-md5-checksum")

	params, err := agentparams.Load(ctx, deploy.Config)
	if err != nil {
		return fmt.Errorf("loading agent params: %w", err)
	}

	rootHints, err := hints.ParseRootDeviceHints(params.RootDeviceRaw())
	if err != nil {
		return fmt.Errorf("parsing root device hints: %w", err)
	}

	block, err := ghw.Block()
	if err != nil {
		return fmt.Errorf("enumerating block devices: %w", err)
	}
	devices := make([]types.BlockDevice, 0, len(block.Disks))
	for _, disk := range block.Disks {
		devices = append(devices, types.BlockDevice{
			Name:       "/dev/" + disk.Name,
			Model:      disk.Model,
			Vendor:     disk.Vendor,
			Serial:     disk.SerialNumber,
			WWN:        disk.WWN,
			SizeBytes:  disk.SizeBytes,
			Rotational: disk.DriveType.String() == "HDD",
			// StorageController.String() ("scsi", "ide", "virtio", "nvme",
			// "unknown") is ghw's closest analogue to lsblk's TRAN column.
			Transport: strings.ToLower(disk.StorageController.String()),
		})
	}

	target, err := rootdevice.SelectRootDevice(devices, rootHints)
	if err != nil {
		return fmt.Errorf("selecting root device: %w", err)
	}
	deploy.Config.Logger.Infof("selected root device %s (%s)", target.Name, target.Model)
	deploy.Config.Logger.Debugf("matched device detail:\n%s", litter.Sdump(target))

	part := partitioner.New(deploy.Config)
	layout, err := part.WorkOnDisk(ctx, *target, partitioner.Options{
		RootMiB:  (target.SizeBytes / 1024 / 1024) - 1024,
		BootMode: bootMode,
	})
	if err != nil {
		return fmt.Errorf("partitioning %s: %w", target.Name, err)
	}
	if err := writeLayoutRecord(deploy, *layout); err != nil {
		deploy.Config.Logger.Warnf("could not write partition layout record: %v", err)
	}

	img := types.ImageInfo{
		ID:           "deploy-image",
		URLs:         strings.Split(imageURL, ","),
		Kind:         types.ImageKindPartition,
		Checksum:     imageChecksum,
		ChecksumAlgo: checksumAlgo,
	}
	cachePath, err := deploy.CacheImage(ctx, img, forceCache)
	if err != nil {
		return fmt.Errorf("caching image: %w", err)
	}

	rootPart := layout.Partitions.GetByRole("root")
	if rootPart == nil {
		return fmt.Errorf("partition layout for %s has no root partition", target.Name)
	}
	writeTarget := rootPart.Path
	if img.Kind == types.ImageKindWholeDisk {
		writeTarget = target.Name
	}
	if err := deploy.PrepareImage(ctx, img, cachePath, writeTarget, layout); err != nil {
		return fmt.Errorf("writing image to %s: %w", writeTarget, err)
	}

	if _, err := installBootloader(ctx, deploy, *target, layout); err != nil {
		return fmt.Errorf("installing bootloader on %s: %w", target.Name, err)
	}

	deploy.Config.Logger.Infof("deploy complete on %s, handing off", target.Name)
	if poweroffAfter {
		return deploy.PowerOff(ctx)
	}
	return deploy.RunImage(ctx)
}

// installBootloader mounts the freshly written root partition, runs the
// chrooted GRUB2 install and (on UEFI) EFI NVRAM registration, and unmounts
// it again — the step between writing the image and handing the machine
// off that a real deploy cannot skip without leaving the disk unbootable.
func installBootloader(ctx context.Context, deploy *agent.Deploy, target types.BlockDevice, layout *types.PartitionLayout) (*types.EFIBootOrder, error) {
	rootPart := layout.Partitions.GetByRole("root")
	if rootPart == nil {
		return nil, fmt.Errorf("partition layout for %s has no root partition", target.Name)
	}

	rootMount, err := deploy.Config.Fs.TempDir("", "metaldeploy-root")
	if err != nil {
		return nil, fmt.Errorf("creating root mountpoint: %w", err)
	}

	guard := mountutil.NewGuard(deploy.Config.Mounter, deploy.Config.Logger)
	defer guard.Close()

	if err := guard.Mount(rootPart.Path, rootMount, "", nil); err != nil {
		return nil, fmt.Errorf("mounting root partition %s: %w", rootPart.Path, err)
	}

	return deploy.InstallBootloader(ctx, agent.BootloaderPlan{
		Disk:           target.Name,
		BootMode:       bootMode,
		Layout:         layout,
		RootMountPoint: rootMount,
	})
}

// writeLayoutRecord leaves the partition layout behind as a YAML audit
// record in the image cache directory, the deploy-state record a later
// inspection or support bundle can read back without re-probing the disk.
func writeLayoutRecord(deploy *agent.Deploy, layout types.PartitionLayout) error {
	var buf bytes.Buffer
	if err := layout.WriteYAML(&buf); err != nil {
		return err
	}
	return deploy.Config.Fs.WriteFile(deploy.Pipeline.CacheDir+"/layout.yaml", buf.Bytes(), 0644)
}
