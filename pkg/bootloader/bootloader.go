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

// Package bootloader orchestrates the chrooted GRUB2 install and, on UEFI,
// EFI NVRAM registration — optionally across a software-RAID mirrored boot
// partition set. Grounded on ironic_python_agent/efi_utils.py's
// manage_uefi orchestration and the bootloader-install chroot idiom from
// the teacher's installer package.
package bootloader

import (
	"context"
	"fmt"

	"github.com/metaldeploy/agent-core/pkg/agenterrors"
	"github.com/metaldeploy/agent-core/pkg/bootloader/efi"
	"github.com/metaldeploy/agent-core/pkg/bootloader/raid"
	"github.com/metaldeploy/agent-core/pkg/constants"
	"github.com/metaldeploy/agent-core/pkg/mountutil"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// Installer installs a bootloader onto a freshly deployed root filesystem,
// the way the teacher's installer package chroots in to run grub2-install.
type Installer struct {
	Config types.Config
	EFI    *efi.Manager
	RAID   *raid.Manager
}

// New returns an Installer wired to cfg's Runner/Mounter/Fs/Logger.
func New(cfg types.Config) *Installer {
	return &Installer{
		Config: cfg,
		EFI:    efi.New(cfg),
		RAID:   raid.New(cfg),
	}
}

// Plan describes one bootloader install: which disk (or RAID holder set),
// boot mode, and where the deployed root filesystem is mounted.
type Plan struct {
	Disk            string
	HolderDisks     []string // non-empty selects the software-RAID path
	BootMode        string   // "uefi" or "bios"
	Layout          *types.PartitionLayout
	RootMountPoint  string // where the deployed root fs is already mounted
	ExistingEFIPart string // set when relocating an existing ESP into a new RAID mirror
}

func (p *Plan) raidRequested() bool { return len(p.HolderDisks) >= 2 }

// Install mounts the target's boot partition(s), runs grub2-install inside
// a chroot of the deployed root, and — on UEFI — registers the resulting
// loader(s) in EFI NVRAM. It is the single entry point tying together
// mountutil, efi and raid.
func (inst *Installer) Install(ctx context.Context, plan Plan) (*types.EFIBootOrder, error) {
	if plan.RootMountPoint == "" {
		return nil, &agenterrors.BootloaderInstallError{Stage: "install", Err: fmt.Errorf("no root mount point given")}
	}

	switch plan.BootMode {
	case "uefi":
		return inst.installUEFI(ctx, plan)
	case "bios":
		return inst.installBIOS(ctx, plan)
	default:
		return nil, &agenterrors.BootloaderInstallError{Stage: "install", Err: fmt.Errorf("unknown boot mode %q", plan.BootMode)}
	}
}

func (inst *Installer) bootPartitionDevice(ctx context.Context, plan Plan, role string) (string, error) {
	if plan.raidRequested() {
		switch role {
		case constants.EFISystemPartitionType:
			return inst.RAID.PrepareESP(ctx, plan.HolderDisks, plan.ExistingEFIPart)
		case constants.BIOSBootPartitionType:
			if err := inst.RAID.PrepareBIOSBoot(ctx, plan.HolderDisks); err != nil {
				return "", err
			}
			return "", nil // bios-boot legs are per-disk, not a single md device
		}
	}

	if plan.Layout == nil {
		return "", fmt.Errorf("no partition layout given for %s", plan.Disk)
	}
	part := plan.Layout.Partitions.GetByRole(role)
	if part == nil {
		return "", fmt.Errorf("layout for %s has no %s partition", plan.Disk, role)
	}
	return part.Path, nil
}

func (inst *Installer) installUEFI(ctx context.Context, plan Plan) (*types.EFIBootOrder, error) {
	espDevice, err := inst.bootPartitionDevice(ctx, plan, constants.EFISystemPartitionType)
	if err != nil {
		return nil, &agenterrors.BootloaderInstallError{Stage: "locate esp", Err: err}
	}

	guard := mountutil.NewGuard(inst.Config.Mounter, inst.Config.Logger)
	defer guard.Close()

	espMount := plan.RootMountPoint + "/boot/efi"
	if err := inst.Config.Fs.MkdirAll(espMount, constants.DirPerm); err != nil {
		return nil, &agenterrors.BootloaderInstallError{Stage: "prepare esp mountpoint", Err: err}
	}
	if err := guard.Mount(espDevice, espMount, constants.EFIFs, nil); err != nil {
		return nil, &agenterrors.BootloaderInstallError{Stage: "mount esp", Err: err}
	}

	// grub-install runs twice on UEFI: once normally so it registers the
	// loader in NVRAM, and once with --removable so the fallback path
	// \EFI\BOOT\BOOTX64.EFI exists for firmware that ignores NVRAM entries.
	if err := inst.runGrubInstall(ctx, plan.RootMountPoint, "--target=x86_64-efi",
		"--efi-directory=/boot/efi", "--bootloader-id=ironic"); err != nil {
		return nil, err
	}
	if err := inst.runGrubInstall(ctx, plan.RootMountPoint, "--target=x86_64-efi",
		"--efi-directory=/boot/efi", "--bootloader-id=ironic", "--removable"); err != nil {
		return nil, err
	}

	candidates, err := inst.EFI.DiscoverBootloaders(espMount)
	if err != nil {
		return nil, &agenterrors.BootloaderInstallError{Stage: "discover efi loaders", Err: err}
	}
	if len(candidates) == 0 {
		return nil, &agenterrors.BootloaderInstallError{Stage: "discover efi loaders", Err: fmt.Errorf("no EFI bootloader found on %s", espMount)}
	}

	labelSuffix := ""
	if plan.raidRequested() {
		for i := range plan.HolderDisks {
			labelSuffix = fmt.Sprintf(constants.EFIBootOrderRAIDSuffixFmt, i+1)
			if err := inst.EFI.RunEFIBootMgr(ctx, candidates, espDevice, constants.RAIDPartitionNumber, labelSuffix); err != nil {
				return nil, err
			}
		}
	} else {
		if err := inst.EFI.RunEFIBootMgr(ctx, candidates, espDevice, constants.RAIDPartitionNumber, ""); err != nil {
			return nil, err
		}
	}

	entries, err := inst.EFI.GetBootRecords(ctx)
	if err != nil {
		return nil, err
	}
	order := types.EFIBootOrder{Existing: entries}
	if len(entries) > 0 {
		order.Created = &entries[len(entries)-1]
	}
	return &order, nil
}

func (inst *Installer) installBIOS(ctx context.Context, plan Plan) (*types.EFIBootOrder, error) {
	if plan.raidRequested() {
		if _, err := inst.bootPartitionDevice(ctx, plan, constants.BIOSBootPartitionType); err != nil {
			return nil, &agenterrors.BootloaderInstallError{Stage: "prepare bios-boot partitions", Err: err}
		}
		for _, holder := range plan.HolderDisks {
			if err := inst.runGrubInstall(ctx, plan.RootMountPoint, "--target=i386-pc", holder); err != nil {
				return nil, err
			}
		}
		return &types.EFIBootOrder{}, nil
	}

	if err := inst.runGrubInstall(ctx, plan.RootMountPoint, "--target=i386-pc", plan.Disk); err != nil {
		return nil, err
	}
	return &types.EFIBootOrder{}, nil
}

// grubInstallBinary picks the grub-install binary family present inside the
// chroot: "grub2-install" on RHEL-family images, "grub-install" everywhere
// else. Probed by Stat'ing the mounted root rather than assumed, since the
// deployed image's distro is unknown to this installer.
func (inst *Installer) grubInstallBinary(rootMountPoint string) string {
	if _, err := inst.Config.Fs.Stat(rootMountPoint + "/usr/sbin/grub2-install"); err == nil {
		return "grub2-install"
	}
	return "grub-install"
}

// runGrubInstall chroots into the deployed root (via a bind-mounted
// /dev, /proc, /sys the teacher's installer sets up the same way before
// any chrooted step) and runs grub2-install/grub-install with the given
// target args.
func (inst *Installer) runGrubInstall(ctx context.Context, rootMountPoint string, args ...string) error {
	guard := mountutil.NewGuard(inst.Config.Mounter, inst.Config.Logger)
	defer guard.Close()

	for _, bind := range []string{"/dev", "/proc", "/sys"} {
		target := rootMountPoint + bind
		if err := inst.Config.Fs.MkdirAll(target, constants.DirPerm); err != nil {
			return &agenterrors.BootloaderInstallError{Stage: "prepare chroot binds", Err: err}
		}
		if err := guard.Mount(bind, target, "", []string{"bind"}); err != nil {
			return &agenterrors.BootloaderInstallError{Stage: "bind mount " + bind, Err: err}
		}
	}

	binary := inst.grubInstallBinary(rootMountPoint)
	chrootArgs := append([]string{rootMountPoint, binary}, args...)
	_, stderr, err := inst.Config.Runner.Run(ctx, types.RunOptions{
		Binary:            "chroot",
		Args:              chrootArgs,
		UseStandardLocale: true,
		Attempts:          2,
		// efibootmgr and the grub-install helpers it shells out to live
		// under /sbin and /usr/sbin on images that don't put them on a
		// default non-root PATH.
		EnvVariables: map[string]string{"PATH": "/sbin:/bin:/usr/sbin:/sbin"},
	})
	if err != nil {
		return &agenterrors.BootloaderInstallError{Stage: binary, Err: fmt.Errorf("%w (stderr: %s)", err, stderr)}
	}
	return nil
}
