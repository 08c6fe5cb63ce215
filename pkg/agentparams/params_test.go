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

package agentparams

import (
	"context"
	"testing"

	"github.com/metaldeploy/agent-core/pkg/constants"
	"github.com/metaldeploy/agent-core/pkg/testutil"
	"github.com/metaldeploy/agent-core/pkg/types"
)

func TestLoadParsesCmdline(t *testing.T) {
	Reset()
	fs := testutil.NewMemFs()
	fs.Files[constants.ProcCmdline] = []byte("root=UUID=abc boot_method=static root_device=model=foo,serial=bar\n")

	cfg := types.Config{Logger: testutil.FakeLogger{}, Fs: fs}
	params, err := Load(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if params["boot_method"] != "static" {
		t.Fatalf("boot_method = %q, want static", params["boot_method"])
	}
	if params["root_device"] != "model=foo,serial=bar" {
		t.Fatalf("root_device = %q, want model=foo,serial=bar", params["root_device"])
	}
}

func TestLoadIsCachedAcrossCalls(t *testing.T) {
	Reset()
	fs := testutil.NewMemFs()
	fs.Files[constants.ProcCmdline] = []byte("boot_method=static marker=first\n")
	cfg := types.Config{Logger: testutil.FakeLogger{}, Fs: fs}

	first, err := Load(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first Load returned error: %v", err)
	}

	fs.Files[constants.ProcCmdline] = []byte("boot_method=static marker=second\n")
	second, err := Load(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Load returned error: %v", err)
	}

	if first["marker"] != "first" || second["marker"] != "first" {
		t.Fatalf("Load re-read the params on a later call: first=%q second=%q", first["marker"], second["marker"])
	}
}

func TestRootDeviceRaw(t *testing.T) {
	p := Params{"root_device": "model=foo,serial=bar-baz"}
	raw := p.RootDeviceRaw()
	if raw["model"] != "foo" || raw["serial"] != "bar-baz" {
		t.Fatalf("RootDeviceRaw() = %v", raw)
	}
}

func TestRootDeviceRawAbsent(t *testing.T) {
	p := Params{}
	if raw := p.RootDeviceRaw(); raw != nil {
		t.Fatalf("RootDeviceRaw() on an empty Params = %v, want nil", raw)
	}
}
