package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ocierrors "github.com/bibin-skaria/ocidisk/internal/errors"
	"github.com/bibin-skaria/ocidisk/internal/types"
	"github.com/bibin-skaria/ocidisk/state"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestImagesOnEmptyBase(t *testing.T) {
	base := t.TempDir()

	out, err := execute(t, "images", "--base-path", base)
	if err != nil {
		t.Fatalf("images error = %v", err)
	}

	var result types.ImagesResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if result.Images == nil || len(result.Images) != 0 {
		t.Errorf("images = %v, want empty map", result.Images)
	}

	if _, err := os.Stat(filepath.Join(base, "state.json")); err != nil {
		t.Errorf("state not persisted after success: %v", err)
	}
}

func TestImagesListsState(t *testing.T) {
	base := t.TempDir()
	st, err := state.Load(filepath.Join(base, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	st.UpsertImage("sha256:abc", types.ImageRecord{
		Platform: types.Platform{OS: "linux", Architecture: "amd64"},
		Name:     "nginx",
		Tag:      "latest",
		Layers:   []string{"sha256:l1"},
		Size:     4096,
	})
	st.Bind("nginx", "latest", types.Platform{OS: "linux", Architecture: "amd64"}, "sha256:abc")
	if err := st.Persist(); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "images", "-b", base)
	if err != nil {
		t.Fatalf("images error = %v", err)
	}
	if !strings.Contains(out, `"sha256:abc"`) || !strings.Contains(out, `"name": "nginx"`) {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRemoveUnknownImage(t *testing.T) {
	base := t.TempDir()

	_, err := execute(t, "rm", "ghost:latest", "--prune", "-b", base)
	if !ocierrors.IsKind(err, ocierrors.KindNotFound) {
		t.Fatalf("rm error = %v, want NotFound", err)
	}
	if _, statErr := os.Stat(filepath.Join(base, "state.json")); !os.IsNotExist(statErr) {
		t.Errorf("state persisted after a failed command: %v", statErr)
	}
}

func TestRemoveAndPrune(t *testing.T) {
	base := t.TempDir()
	platform := types.Platform{OS: "linux", Architecture: "amd64"}

	st, err := state.Load(filepath.Join(base, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	st.UpsertImage("sha256:a", types.ImageRecord{Platform: platform, Name: "a", Tag: "latest", Layers: []string{"sha256:shared", "sha256:a-top"}, Size: 4096})
	st.UpsertImage("sha256:b", types.ImageRecord{Platform: platform, Name: "b", Tag: "latest", Layers: []string{"sha256:shared"}, Size: 4096})
	st.Bind("a", "latest", platform, "sha256:a")
	st.Bind("b", "latest", platform, "sha256:b")
	st.AddLayers("sha256:shared", "sha256:a-top")
	if err := st.Persist(); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "rm", "a", "--prune", "-b", base)
	if err != nil {
		t.Fatalf("rm error = %v", err)
	}

	var result types.RemoveResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if result.Digest != "sha256:a" {
		t.Errorf("digest = %s, want sha256:a", result.Digest)
	}
	if len(result.RemovedLayers) != 1 || result.RemovedLayers[0] != "sha256:a-top" {
		t.Errorf("removed_layers = %v, want [sha256:a-top]", result.RemovedLayers)
	}

	reloaded, err := state.Load(filepath.Join(base, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reloaded.Image("sha256:a"); ok {
		t.Error("removed image still in persisted state")
	}
	if !reloaded.HasLayer("sha256:shared") {
		t.Error("shared layer pruned")
	}

	out, err = execute(t, "prune", "-b", base)
	if err != nil {
		t.Fatalf("prune error = %v", err)
	}
	var pruned types.PruneResult
	if err := json.Unmarshal([]byte(out), &pruned); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(pruned.Layers) != 0 || len(pruned.Images) != 0 {
		t.Errorf("prune = %+v, want nothing removed", pruned)
	}
}

func TestInvalidReference(t *testing.T) {
	_, err := execute(t, "info", "nginx@sha256:abc", "-b", t.TempDir())
	if !ocierrors.IsKind(err, ocierrors.KindInvalidReference) {
		t.Errorf("info error = %v, want InvalidReference", err)
	}
}

func TestMalformedState(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "state.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "images", "-b", base)
	if !ocierrors.IsKind(err, ocierrors.KindFormatError) {
		t.Errorf("images error = %v, want FormatError", err)
	}
}

func TestDebugLog(t *testing.T) {
	base := t.TempDir()

	if _, err := execute(t, "prune", "--debug", "-b", base); err != nil {
		t.Fatalf("prune error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "debug.log")); err != nil {
		t.Errorf("debug log not created: %v", err)
	}
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	writeError(&buf, errors.New(`bad "thing"`))

	var decoded map[string]string
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("error output is not JSON: %v\n%s", err, buf.String())
	}
	if decoded["error"] != `bad "thing"` {
		t.Errorf("error = %q", decoded["error"])
	}
}

func TestOutputPath(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	abs := filepath.Join(t.TempDir(), "disk.img")

	tests := []struct {
		name string
		path string
		want string
	}{
		{"unset", "", ""},
		{"relative", "out/disk.img", filepath.Join(wd, "out", "disk.img")},
		{"dot relative", "./disk.img", filepath.Join(wd, "disk.img")},
		{"absolute", abs, abs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := outputPath(tt.path)
			if err != nil {
				t.Fatalf("outputPath(%q) error = %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("outputPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
