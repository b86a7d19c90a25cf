// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-mcp/crucible/pkg/languages"
)

// commandRecorder is a stub runner that records invocations and fakes the
// side effects the skeleton logic depends on.
type commandRecorder struct {
	mu    sync.Mutex
	calls []string
	fail  func(name string) bool
}

func (r *commandRecorder) run(_ context.Context, dir, name string, args ...string) error {
	r.mu.Lock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	r.mu.Unlock()

	if r.fail != nil && r.fail(name) {
		return fmt.Errorf("%s: simulated failure", name)
	}
	if name == "npm" && len(args) > 0 && args[0] == "init" {
		return os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644)
	}
	return nil
}

func (r *commandRecorder) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func newTestProvisioner(t *testing.T) (*Provisioner, *commandRecorder) {
	t.Helper()

	root := t.TempDir()
	p := New(Config{
		SessionsRoot: filepath.Join(root, "sessions"),
		VenvsRoot:    filepath.Join(root, "venvs"),
	})
	rec := &commandRecorder{}
	p.run = rec.run
	return p, rec
}

func TestEnsureBaseWorkspacesBuildsSkeletons(t *testing.T) {
	t.Parallel()

	p, rec := newTestProvisioner(t)
	require.NoError(t, p.EnsureBaseWorkspaces(context.Background()))

	for _, id := range languages.IDs() {
		base, ok := p.BaseWorkspace(id)
		require.True(t, ok, "language %s has no base workspace", id)
		assert.DirExists(t, base)
	}
	assert.Empty(t, p.DegradedLanguages())

	javaBase, _ := p.BaseWorkspace("java")
	assert.DirExists(t, filepath.Join(javaBase, "src", "main", "java"))
	assert.DirExists(t, filepath.Join(javaBase, "build"))

	cBase, _ := p.BaseWorkspace("c")
	assert.DirExists(t, filepath.Join(cBase, "include"))
	assert.DirExists(t, filepath.Join(cBase, "lib"))

	goBase, _ := p.BaseWorkspace("go")
	manifest, err := os.ReadFile(filepath.Join(goBase, "go.mod"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "module workspace")
	assert.DirExists(t, filepath.Join(goBase, "gopath"))

	rustBase, _ := p.BaseWorkspace("rust")
	raw, err := os.ReadFile(filepath.Join(rustBase, "Cargo.toml"))
	require.NoError(t, err)
	var cargo cargoManifest
	require.NoError(t, toml.Unmarshal(raw, &cargo))
	assert.Equal(t, "workspace", cargo.Package.Name)
	assert.FileExists(t, filepath.Join(rustBase, "src", "main.rs"))

	// The toolchain-backed skeletons ran their setup commands.
	assert.Equal(t, 1, rec.count("python3 -m venv"))
	assert.Equal(t, 1, rec.count(filepath.Join(p.cfg.VenvsRoot, "python", "bin", "pip")+" install"))
	assert.Equal(t, 2, rec.count("npm init"))
}

func TestEnsureBaseWorkspacesMarksDegraded(t *testing.T) {
	t.Parallel()

	p, rec := newTestProvisioner(t)
	rec.fail = func(name string) bool { return name == "python3" }

	require.NoError(t, p.EnsureBaseWorkspaces(context.Background()))

	assert.True(t, p.Degraded("python"))
	assert.Equal(t, []string{"python"}, p.DegradedLanguages())
	_, ok := p.BaseWorkspace("python")
	assert.False(t, ok)

	// Other languages are unaffected.
	_, ok = p.BaseWorkspace("javascript")
	assert.True(t, ok)

	// A successful re-provision clears the degraded mark.
	rec.fail = nil
	require.NoError(t, p.EnsureBaseWorkspaces(context.Background()))
	assert.False(t, p.Degraded("python"))
	_, ok = p.BaseWorkspace("python")
	assert.True(t, ok)
}

func TestEnsureBaseWorkspacesIsIdempotent(t *testing.T) {
	t.Parallel()

	p, rec := newTestProvisioner(t)
	require.NoError(t, p.EnsureBaseWorkspaces(context.Background()))
	require.NoError(t, p.EnsureBaseWorkspaces(context.Background()))

	// npm init only runs when package.json is absent.
	assert.Equal(t, 2, rec.count("npm init"))

	// Existing manifests are not rewritten.
	goBase, _ := p.BaseWorkspace("go")
	manifestPath := filepath.Join(goBase, "go.mod")
	require.NoError(t, os.WriteFile(manifestPath, []byte("module customized\n"), 0o644))
	require.NoError(t, p.EnsureBaseWorkspaces(context.Background()))
	content, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, "module customized\n", string(content))
}

func TestSessionWorkspaceLifecycle(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvisioner(t)
	require.NoError(t, os.MkdirAll(p.cfg.SessionsRoot, 0o755))

	path, err := p.SessionWorkspace("sess-1")
	require.NoError(t, err)
	assert.DirExists(t, path)
	assert.Equal(t, filepath.Join(p.cfg.SessionsRoot, "sess-1"), path)

	// Creating it again returns the same path.
	again, err := p.SessionWorkspace("sess-1")
	require.NoError(t, err)
	assert.Equal(t, path, again)

	p.DestroySessionWorkspace("sess-1")
	assert.NoDirExists(t, path)

	// Repeated destroy is harmless.
	p.DestroySessionWorkspace("sess-1")
}

func TestSessionWorkspaceRejectsTraversal(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvisioner(t)

	for _, id := range []string{"", "..", "../etc", "a/b", `a\b`} {
		_, err := p.SessionWorkspace(id)
		assert.Error(t, err, "id %q must be rejected", id)
	}
}

func TestSweepStale(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvisioner(t)
	require.NoError(t, os.MkdirAll(p.cfg.SessionsRoot, 0o755))

	stale := filepath.Join(p.cfg.SessionsRoot, "stale")
	fresh := filepath.Join(p.cfg.SessionsRoot, "fresh")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	old := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	// Stray files in the root are left alone.
	strayFile := filepath.Join(p.cfg.SessionsRoot, "notes.txt")
	require.NoError(t, os.WriteFile(strayFile, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(strayFile, old, old))

	removed := p.SweepStale(24 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
	assert.FileExists(t, strayFile)
}

func TestEnvFor(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvisioner(t)
	require.NoError(t, p.EnsureBaseWorkspaces(context.Background()))

	pyBase, _ := p.BaseWorkspace("python")
	env := p.EnvFor("python")
	assert.Contains(t, env, "VIRTUAL_ENV="+pyBase)
	require.Len(t, env, 2)
	assert.True(t, strings.HasPrefix(env[1], "PATH="+filepath.Join(pyBase, "bin")))

	goBase, _ := p.BaseWorkspace("go")
	assert.Contains(t, p.EnvFor("go"), "GOPATH="+filepath.Join(goBase, "gopath"))

	assert.Nil(t, p.EnvFor("cobol"))
	assert.Nil(t, p.EnvFor("lua"))
}
