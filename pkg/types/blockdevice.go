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

package types

import "fmt"

// BlockDevice is the normalized view of a host disk the root-device selector
// matches against. Field names mirror the hint keys they satisfy so the
// hint matcher can be written generically over struct tags.
type BlockDevice struct {
	Name   string   `mapstructure:"name" yaml:"name"`
	Model  string   `mapstructure:"model" yaml:"model"`
	Vendor string   `mapstructure:"vendor" yaml:"vendor"`
	// Serial is usually a single value but, like the upstream inventory
	// collector's BlockDevice.serial, can carry several identifiers for the
	// same physical disk (multipath, multiple reported serials); a hint
	// matches if any element does. SerialList takes precedence over Serial
	// when both are set.
	Serial             string   `mapstructure:"serial" yaml:"serial"`
	SerialList         []string `mapstructure:"serial_list" yaml:"serial_list,omitempty"`
	SizeBytes          uint64   `mapstructure:"size" yaml:"size"`
	WWN                string   `mapstructure:"wwn" yaml:"wwn"`
	WWNList            []string `mapstructure:"wwn_list" yaml:"wwn_list,omitempty"`
	WWNWithExtension   string   `mapstructure:"wwn_with_extension" yaml:"wwn_with_extension"`
	WWNVendorExtension string   `mapstructure:"wwn_vendor_extension" yaml:"wwn_vendor_extension"`
	Rotational         bool     `mapstructure:"rotational" yaml:"rotational"`
	HCTL               string   `mapstructure:"hctl" yaml:"hctl"`
	ByPath             string   `mapstructure:"by_path" yaml:"by_path"`
	// Transport is the bus a disk is attached over (e.g. "sata", "usb",
	// "nvme"), satisfying the "tran" root-device hint.
	Transport string `mapstructure:"tran" yaml:"tran"`

	// PartitionTable is set once the disk has been labelled, empty
	// otherwise. Populated by the partitioner, read by the bootloader
	// installer — never guessed by either.
	PartitionTable string `mapstructure:"-" yaml:"-"`
}

// SerialValues returns every serial value to match a hint against: the
// SerialList when set, otherwise the single Serial field.
func (b BlockDevice) SerialValues() []string {
	if len(b.SerialList) > 0 {
		return b.SerialList
	}
	if b.Serial != "" {
		return []string{b.Serial}
	}
	return nil
}

// WWNValues returns every WWN value to match a hint against: the WWNList
// when set, otherwise the single WWN field.
func (b BlockDevice) WWNValues() []string {
	if len(b.WWNList) > 0 {
		return b.WWNList
	}
	if b.WWN != "" {
		return []string{b.WWN}
	}
	return nil
}

// SizeMB rounds SizeBytes down to whole megabytes, the unit partition math
// in this repo is expressed in throughout.
func (b BlockDevice) SizeMB() uint64 {
	return b.SizeBytes / (1024 * 1024)
}

// Sanitize reports whether the device has the minimum identity a selector
// or partitioner can act on.
func (b BlockDevice) Sanitize() error {
	if b.Name == "" {
		return fmt.Errorf("block device missing name")
	}
	if b.SizeBytes == 0 {
		return fmt.Errorf("block device %s reports zero size", b.Name)
	}
	return nil
}

// String renders an identifying summary for logs: the name, plus model and
// vendor when a model is known. WWN and serial are never included.
func (b BlockDevice) String() string {
	if b.Model != "" {
		return fmt.Sprintf("%s (%s, %s)", b.Name, b.Model, b.Vendor)
	}
	return b.Name
}
