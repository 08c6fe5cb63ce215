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
	"bytes"
	"testing"
)

func TestPartitionLayoutYAMLRoundTrip(t *testing.T) {
	layout := PartitionLayout{
		Disk:  "/dev/sda",
		Label: "gpt",
		Partitions: PartitionList{
			{Number: 1, Role: "efi", Path: "/dev/sda1", UUID: "uuid-1"},
			{Number: 2, Role: "root", Path: "/dev/sda2", UUID: "uuid-2"},
		},
	}

	var buf bytes.Buffer
	if err := layout.WriteYAML(&buf); err != nil {
		t.Fatalf("WriteYAML returned error: %v", err)
	}

	got, err := ReadPartitionLayoutYAML(&buf)
	if err != nil {
		t.Fatalf("ReadPartitionLayoutYAML returned error: %v", err)
	}
	if got.Disk != layout.Disk || got.Label != layout.Label || len(got.Partitions) != 2 {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, layout)
	}
	if got.Partitions[1].Role != "root" {
		t.Fatalf("partition[1].Role = %q, want root", got.Partitions[1].Role)
	}
}
