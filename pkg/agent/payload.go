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
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/metaldeploy/agent-core/pkg/types"
)

// DecodeImageInfo decodes the loosely-typed "deploy" command payload the
// (external) command server hands this agent over the wire into a typed
// ImageInfo, using the mapstructure tags types.ImageInfo already carries.
// The command server itself is out of scope; this is the one conversion
// point its JSON-decoded map[string]interface{} body must pass through
// before reaching Deployer.CacheImage.
func DecodeImageInfo(payload map[string]interface{}) (types.ImageInfo, error) {
	var img types.ImageInfo
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &img,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return types.ImageInfo{}, fmt.Errorf("building image info decoder: %w", err)
	}
	if err := decoder.Decode(payload); err != nil {
		return types.ImageInfo{}, fmt.Errorf("decoding image info payload: %w", err)
	}
	if err := img.Sanitize(); err != nil {
		return types.ImageInfo{}, err
	}
	return img, nil
}
