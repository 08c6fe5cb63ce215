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

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// WriteYAML serializes the layout the way the partitioner leaves a
// deploy-state record behind for post-mortem inspection, mirroring the
// teacher's own yaml-tagged state files.
func (l PartitionLayout) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(l); err != nil {
		return fmt.Errorf("encoding partition layout: %w", err)
	}
	return nil
}

// ReadPartitionLayoutYAML parses a layout previously written by WriteYAML.
func ReadPartitionLayoutYAML(r io.Reader) (*PartitionLayout, error) {
	var l PartitionLayout
	if err := yaml.NewDecoder(r).Decode(&l); err != nil {
		return nil, fmt.Errorf("decoding partition layout: %w", err)
	}
	return &l, nil
}
