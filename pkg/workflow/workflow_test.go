package workflow

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/aescanero/dagci/pkg/domain"
)

func TestLoadFile_FullWorkflow(t *testing.T) {
	w, err := LoadFile(filepath.Join("testdata", "rust.yml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if w.ID() != "Rust" {
		t.Fatalf("workflow id: got %q want %q", w.ID(), "Rust")
	}
	for _, kind := range []domain.EventKind{domain.EventPush, domain.EventPullRequest} {
		f, ok := w.On[kind]
		if !ok {
			t.Fatalf("missing trigger %s", kind)
		}
		if !reflect.DeepEqual(f.Branches, []string{"main"}) {
			t.Fatalf("%s branches: got %v", kind, f.Branches)
		}
	}
	if w.Concurrency == nil || !w.Concurrency.CancelInProgress {
		t.Fatalf("expected cancel-in-progress concurrency, got %+v", w.Concurrency)
	}
	if w.Env["CARGO_TERM_COLOR"] != "always" {
		t.Fatalf("env: got %v", w.Env)
	}

	var ids []string
	for _, j := range w.Jobs {
		ids = append(ids, j.ID)
	}
	if !reflect.DeepEqual(ids, []string{"build", "deny"}) {
		t.Fatalf("job order: got %v", ids)
	}

	build := w.Job("build")
	if build.RunsOn != "ubuntu-latest" {
		t.Fatalf("runs-on: got %q", build.RunsOn)
	}
	if build.Matrix.Size() != 1 || build.Matrix.Dimensions[0].Name != "rust" {
		t.Fatalf("matrix: got %+v", build.Matrix)
	}
	if len(build.Steps) != 6 {
		t.Fatalf("build steps: got %d want 6", len(build.Steps))
	}
	if build.Steps[1].With["toolchain"] != "${{ matrix.rust }}" {
		t.Fatalf("toolchain input: got %q", build.Steps[1].With["toolchain"])
	}
	if build.Steps[3].Name != "Lint" || !strings.HasPrefix(build.Steps[3].Run, "cargo clippy") {
		t.Fatalf("lint step: got %+v", build.Steps[3])
	}
	if w.Job("deny").Matrix.Size() != 1 {
		t.Fatalf("deny matrix size: got %d", w.Job("deny").Matrix.Size())
	}
}

func TestLoadFile_BasicWorkflowHasNoConcurrency(t *testing.T) {
	w, err := LoadFile(filepath.Join("testdata", "rust-basic.yml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Concurrency != nil {
		t.Fatalf("expected no concurrency block, got %+v", w.Concurrency)
	}
	if len(w.Job("build").Steps) != 3 {
		t.Fatalf("build steps: got %d want 3", len(w.Job("build").Steps))
	}
}

func TestParse_OnForms(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want map[domain.EventKind][]string
	}{
		{"scalar", "on: push\njobs: {}", map[domain.EventKind][]string{domain.EventPush: nil}},
		{"list", "on: [push, pull_request]\njobs: {}", map[domain.EventKind][]string{domain.EventPush: nil, domain.EventPullRequest: nil}},
		{"mapping with null", "on:\n  push:\n  pull_request:\n    branches: [main, 'release/*']\njobs: {}",
			map[domain.EventKind][]string{domain.EventPush: nil, domain.EventPullRequest: {"main", "release/*"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := make(map[domain.EventKind][]string)
			for k, f := range w.On {
				got[k] = f.Branches
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("on: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestParse_ConcurrencyScalar(t *testing.T) {
	w, err := Parse([]byte("on: push\nconcurrency: ci-${{ github.ref }}\njobs: {}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Concurrency.Group != "ci-${{ github.ref }}" || w.Concurrency.CancelInProgress {
		t.Fatalf("concurrency: got %+v", w.Concurrency)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"matrix include", "jobs:\n  a:\n    strategy:\n      matrix:\n        include: [{x: 1}]\n    steps: [{run: x}]"},
		{"matrix object values", "jobs:\n  a:\n    strategy:\n      matrix:\n        os: [{name: x}]\n    steps: [{run: x}]"},
		{"jobs list", "jobs: [a, b]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadDir_LoadsEachFileIndependently(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"rust.yml", "rust-basic.yml"} {
		data, err := os.ReadFile(filepath.Join("testdata", name))
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	workflows, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(workflows) != 2 {
		t.Fatalf("workflows: got %d want 2", len(workflows))
	}
	if filepath.Base(workflows[0].Path) != "rust-basic.yml" {
		t.Fatalf("expected sorted order, got %s first", workflows[0].Path)
	}
}

func TestStep_DisplayName(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{Step{Name: "Lint", Run: "cargo clippy"}, "Lint"},
		{Step{Uses: "actions/checkout@v4"}, "Run actions/checkout@v4"},
		{Step{Run: "cargo build\ncargo test"}, "Run cargo build"},
	}
	for _, tt := range tests {
		if got := tt.step.DisplayName(); got != tt.want {
			t.Fatalf("display name: got %q want %q", got, tt.want)
		}
	}
}
