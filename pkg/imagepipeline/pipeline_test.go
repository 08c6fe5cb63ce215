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

package imagepipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"testing"

	"github.com/metaldeploy/agent-core/pkg/system"
	"github.com/metaldeploy/agent-core/pkg/testutil"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// fakeDownloader serves canned byte payloads keyed by URL instead of making
// a real HTTP request.
type fakeDownloader struct {
	payloads map[string][]byte
}

func (f *fakeDownloader) Download(ctx context.Context, url, destPath string) (int64, error) {
	payload, ok := f.payloads[url]
	if !ok {
		return 0, fmt.Errorf("fakeDownloader: no payload registered for %s", url)
	}
	if err := os.WriteFile(destPath, payload, 0644); err != nil {
		return 0, err
	}
	return int64(len(payload)), nil
}

func newTestPipeline(t *testing.T, payloads map[string][]byte) *Pipeline {
	t.Helper()
	cfg := types.Config{Logger: testutil.FakeLogger{}, Fs: system.OSFs{}}
	return New(cfg, &fakeDownloader{payloads: payloads}, t.TempDir())
}

// Scenario C: the checksum is itself a URL to a multi-line manifest; the
// entry matching the image's basename wins.
func TestCacheImageResolvesChecksumManifest(t *testing.T) {
	imageBody := []byte("fake disk image contents")
	sum := fmt.Sprintf("%x", sha256.Sum256(imageBody))
	manifest := []byte(fmt.Sprintf("%s irrelevant.img\n%s image.img\n", "019fe036425da1c562f2e9f5299820bf", sum))

	p := newTestPipeline(t, map[string][]byte{
		"http://example.com/checksum":       manifest,
		"http://example.com/path/image.img": imageBody,
	})

	img := types.ImageInfo{
		ID:           "test-image",
		URLs:         []string{"http://example.com/path/image.img"},
		Kind:         types.ImageKindPartition,
		Checksum:     "http://example.com/checksum",
		ChecksumAlgo: "sha256",
	}

	path, err := p.CacheImage(context.Background(), img, false)
	if err != nil {
		t.Fatalf("CacheImage returned error: %v", err)
	}
	if path == "" {
		t.Fatal("CacheImage returned an empty path")
	}
}

func TestCacheImageChecksumManifestMissingEntry(t *testing.T) {
	manifest := []byte("019fe036425da1c562f2e9f5299820bf other.img\n")
	p := newTestPipeline(t, map[string][]byte{
		"http://example.com/checksum":       manifest,
		"http://example.com/path/image.img": []byte("anything"),
	})

	img := types.ImageInfo{
		ID:           "test-image",
		URLs:         []string{"http://example.com/path/image.img"},
		Kind:         types.ImageKindPartition,
		Checksum:     "http://example.com/checksum",
		ChecksumAlgo: "sha256",
	}

	_, err := p.CacheImage(context.Background(), img, false)
	if err == nil {
		t.Fatal("expected an error for a checksum manifest missing the image's entry")
	}
}

func TestCacheImageDirectChecksumMismatch(t *testing.T) {
	p := newTestPipeline(t, map[string][]byte{
		"http://example.com/path/image.img": []byte("anything"),
	})

	img := types.ImageInfo{
		ID:           "test-image",
		URLs:         []string{"http://example.com/path/image.img"},
		Kind:         types.ImageKindPartition,
		Checksum:     "0000000000000000000000000000000000000000000000000000000000000000",
		ChecksumAlgo: "sha256",
	}

	if _, err := p.CacheImage(context.Background(), img, false); err == nil {
		t.Fatal("expected a checksum mismatch error")
	}
}

// countingDownloader wraps fakeDownloader to record how many times each URL
// was actually fetched, for asserting the cache short-circuit skips a
// redundant download.
type countingDownloader struct {
	fakeDownloader
	calls map[string]int
}

func (f *countingDownloader) Download(ctx context.Context, url, destPath string) (int64, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[url]++
	return f.fakeDownloader.Download(ctx, url, destPath)
}

func TestCacheImageSecondCallIsNoOpWithoutForce(t *testing.T) {
	imageBody := []byte("fake disk image contents")
	sum := fmt.Sprintf("%x", sha256.Sum256(imageBody))
	downloader := &countingDownloader{fakeDownloader: fakeDownloader{payloads: map[string][]byte{
		"http://example.com/image.img": imageBody,
	}}}
	cfg := types.Config{Logger: testutil.FakeLogger{}, Fs: system.OSFs{}}
	p := New(cfg, downloader, t.TempDir())

	img := types.ImageInfo{
		ID:           "test-image",
		URLs:         []string{"http://example.com/image.img"},
		Kind:         types.ImageKindPartition,
		Checksum:     sum,
		ChecksumAlgo: "sha256",
	}

	if _, err := p.CacheImage(context.Background(), img, false); err != nil {
		t.Fatalf("first CacheImage returned error: %v", err)
	}
	if _, err := p.CacheImage(context.Background(), img, false); err != nil {
		t.Fatalf("second CacheImage returned error: %v", err)
	}
	if downloader.calls["http://example.com/image.img"] != 1 {
		t.Fatalf("image downloaded %d times, want exactly 1 (second call should be a no-op)", downloader.calls["http://example.com/image.img"])
	}

	if _, err := p.CacheImage(context.Background(), img, true); err != nil {
		t.Fatalf("forced CacheImage returned error: %v", err)
	}
	if downloader.calls["http://example.com/image.img"] != 2 {
		t.Fatalf("image downloaded %d times after force=true, want 2", downloader.calls["http://example.com/image.img"])
	}
}

func TestPrepareImageWholeDiskDestroysExistingMetadataFirst(t *testing.T) {
	dir := t.TempDir()
	cachePath := dir + "/cached.img"
	targetPath := dir + "/disk"
	if err := os.WriteFile(cachePath, []byte("whole disk payload"), 0644); err != nil {
		t.Fatalf("writing fake cache file: %v", err)
	}
	if err := os.WriteFile(targetPath, make([]byte, 64), 0644); err != nil {
		t.Fatalf("writing fake target file: %v", err)
	}

	runner := testutil.NewFakeRunner()
	cfg := types.Config{Logger: testutil.FakeLogger{}, Fs: system.OSFs{}, Runner: runner}
	p := New(cfg, &fakeDownloader{}, dir)

	img := types.ImageInfo{ID: "whole-disk-image", Kind: types.ImageKindWholeDisk}
	if err := p.PrepareImage(context.Background(), img, cachePath, targetPath, nil); err != nil {
		t.Fatalf("PrepareImage returned error: %v", err)
	}

	zapCalls := runner.CallsTo("sgdisk")
	if len(zapCalls) < 1 || zapCalls[0].Args[0] != "-Z" {
		t.Fatalf("sgdisk calls = %v, want the first to zap (-Z) the disk", zapCalls)
	}

	written, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("reading target: %v", err)
	}
	if string(written) != "whole disk payload" {
		t.Fatalf("target contents = %q, want the cached payload", written)
	}
}

func TestPrepareImagePartitionSkipsDiskZap(t *testing.T) {
	dir := t.TempDir()
	cachePath := dir + "/cached.img"
	targetPath := dir + "/part1"
	if err := os.WriteFile(cachePath, []byte("partition payload"), 0644); err != nil {
		t.Fatalf("writing fake cache file: %v", err)
	}
	if err := os.WriteFile(targetPath, make([]byte, 64), 0644); err != nil {
		t.Fatalf("writing fake target file: %v", err)
	}

	runner := testutil.NewFakeRunner()
	cfg := types.Config{Logger: testutil.FakeLogger{}, Fs: system.OSFs{}, Runner: runner}
	p := New(cfg, &fakeDownloader{}, dir)

	img := types.ImageInfo{ID: "partition-image", Kind: types.ImageKindPartition}
	if err := p.PrepareImage(context.Background(), img, cachePath, targetPath, nil); err != nil {
		t.Fatalf("PrepareImage returned error: %v", err)
	}

	for _, c := range runner.CallsTo("sgdisk") {
		if len(c.Args) > 0 && c.Args[0] == "-Z" {
			t.Fatal("PrepareImage zapped a partition image's target, it must only zap whole-disk images")
		}
	}
}

func TestPrepareImageFailsOnEmptyPartitionListAfterWrite(t *testing.T) {
	dir := t.TempDir()
	cachePath := dir + "/cached.img"
	targetPath := dir + "/disk"
	if err := os.WriteFile(cachePath, []byte("payload"), 0644); err != nil {
		t.Fatalf("writing fake cache file: %v", err)
	}
	if err := os.WriteFile(targetPath, make([]byte, 64), 0644); err != nil {
		t.Fatalf("writing fake target file: %v", err)
	}

	runner := testutil.NewFakeRunner()
	cfg := types.Config{Logger: testutil.FakeLogger{}, Fs: system.OSFs{}, Runner: runner}
	p := New(cfg, &fakeDownloader{}, dir)

	img := types.ImageInfo{ID: "empty-layout-image", Kind: types.ImageKindPartition}
	layout := &types.PartitionLayout{Disk: targetPath, Label: "gpt"}
	err := p.PrepareImage(context.Background(), img, cachePath, targetPath, layout)
	if err == nil {
		t.Fatal("expected an error when the post-write partition list is empty")
	}
}

func TestCacheImageRejectsMD5UnlessAllowed(t *testing.T) {
	p := newTestPipeline(t, nil)
	img := types.ImageInfo{
		ID:           "test-image",
		URLs:         []string{"http://example.com/path/image.img"},
		Kind:         types.ImageKindPartition,
		Checksum:     "d41d8cd98f00b204e9800998ecf8427e",
		ChecksumAlgo: "md5",
	}
	if _, err := p.CacheImage(context.Background(), img, false); err == nil {
		t.Fatal("expected md5 to be rejected when AllowMD5Checksum is false")
	}
}
