package build

import (
	"slices"
	"testing"

	"github.com/kilnproject/kilnd/internal/manifest"
)

func TestStepStateApply(t *testing.T) {
	state := newStepState("/app")

	state.apply(manifest.Step{Shell: "/bin/bash", Env: map[string]string{"A": "1"}})
	state.apply(manifest.Step{Workdir: "/srv", Env: map[string]string{"B": "2"}})

	if state.shell != "/bin/bash" {
		t.Errorf("shell = %q, want /bin/bash", state.shell)
	}
	if state.workdir != "/srv" {
		t.Errorf("workdir = %q, want /srv", state.workdir)
	}
	if !slices.Equal(state.sortedEnviron(), []string{"A=1", "B=2"}) {
		t.Errorf("environ = %v", state.sortedEnviron())
	}
}

func TestStepStateResolveDoesNotMutate(t *testing.T) {
	state := newStepState("/app")
	state.apply(manifest.Step{Env: map[string]string{"A": "1"}})

	resolved := state.resolve(manifest.Step{
		Run:     "make",
		Shell:   "/bin/bash",
		Workdir: "/tmp",
		Env:     map[string]string{"A": "override", "B": "2"},
	})

	if resolved.shell != "/bin/bash" || resolved.workdir != "/tmp" {
		t.Errorf("resolved = %q %q", resolved.shell, resolved.workdir)
	}
	if !slices.Equal(resolved.sortedEnviron(), []string{"A=override", "B=2"}) {
		t.Errorf("resolved environ = %v", resolved.sortedEnviron())
	}

	// The persistent state is untouched by step-level overrides.
	if state.shell != defaultShell || state.workdir != "/app" {
		t.Errorf("state mutated: %q %q", state.shell, state.workdir)
	}
	if !slices.Equal(state.sortedEnviron(), []string{"A=1"}) {
		t.Errorf("state environ = %v", state.sortedEnviron())
	}
}

func TestStepStateEncode(t *testing.T) {
	a := newStepState("/app")
	a.apply(manifest.Step{Env: map[string]string{"B": "2", "A": "1"}})

	b := newStepState("/app")
	b.apply(manifest.Step{Env: map[string]string{"A": "1"}})
	b.apply(manifest.Step{Env: map[string]string{"B": "2"}})

	if a.encode() != b.encode() {
		t.Errorf("equivalent states encode differently: %q vs %q", a.encode(), b.encode())
	}

	c := newStepState("/other")
	if a.encode() == c.encode() {
		t.Error("different workdirs encode identically")
	}
}
