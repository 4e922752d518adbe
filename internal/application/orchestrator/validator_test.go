package orchestrator

import (
	"strings"
	"testing"

	"github.com/aescanero/dagci/pkg/workflow"
)

func TestValidator_TestdataWorkflows(t *testing.T) {
	v := NewValidator()
	for _, name := range []string{"rust.yml", "rust-basic.yml"} {
		if err := v.Validate(loadWorkflow(t, name)); err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
	}
}

func TestValidator_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name: "no jobs",
			src: `
name: Empty
on: [push]
jobs: {}
`,
			wantErr: "at least one job",
		},
		{
			name: "no triggers",
			src: `
name: Idle
jobs:
  a:
    steps:
      - run: make
`,
			wantErr: "no triggers",
		},
		{
			name: "step with uses and run",
			src: `
name: Both
on: [push]
jobs:
  a:
    steps:
      - uses: actions/checkout@v4
        run: make
`,
			wantErr: "both uses and run",
		},
		{
			name: "step without body",
			src: `
name: Neither
on: [push]
jobs:
  a:
    steps:
      - name: nothing
`,
			wantErr: "must set uses or run",
		},
		{
			name: "action without version",
			src: `
name: Unpinned
on: [push]
jobs:
  a:
    steps:
      - uses: actions/checkout
`,
			wantErr: "step 1",
		},
		{
			name: "unknown need",
			src: `
name: Dangling
on: [push]
jobs:
  a:
    needs: ghost
    steps:
      - run: make
`,
			wantErr: "non-existent job: ghost",
		},
		{
			name: "cycle",
			src: `
name: Loop
on: [push]
jobs:
  a:
    needs: b
    steps:
      - run: make
  b:
    needs: a
    steps:
      - run: make
`,
			wantErr: "dependency cycle",
		},
		{
			name: "negative timeout",
			src: `
name: Timeout
on: [push]
jobs:
  a:
    timeout-minutes: -1
    steps:
      - run: make
`,
			wantErr: "must not be negative",
		},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := workflow.Parse([]byte(tt.src))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			err = v.Validate(w)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error: got %q want substring %q", err, tt.wantErr)
			}
		})
	}
}
