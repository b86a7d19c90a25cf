// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace provisions the per-language base workspaces and the
// per-session scratch directories that executions run in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sync/errgroup"

	"github.com/crucible-mcp/crucible/pkg/languages"
	"github.com/crucible-mcp/crucible/pkg/logger"
)

const (
	// DefaultInstallConcurrency caps how many languages provision at once.
	DefaultInstallConcurrency = 3

	// DefaultInstallTimeout bounds one language's skeleton build including
	// package installation.
	DefaultInstallTimeout = 5 * time.Minute

	// DefaultSweepMaxAge is how old a session directory must be before the
	// stale sweep removes it.
	DefaultSweepMaxAge = 24 * time.Hour

	provisionLockTimeout = 10 * time.Second
	lockRetryInterval    = 100 * time.Millisecond
)

// Config locates the workspace roots and tunes provisioning.
type Config struct {
	// SessionsRoot holds one directory per live session.
	SessionsRoot string

	// VenvsRoot holds one base workspace per language.
	VenvsRoot string

	// InstallConcurrency caps parallel language provisioning (default 3).
	InstallConcurrency int

	// InstallTimeout bounds one language's provisioning (default 5m).
	InstallTimeout time.Duration
}

// commandRunner executes an external command in dir. Swappable in tests.
type commandRunner func(ctx context.Context, dir, name string, args ...string) error

// Provisioner owns the base workspaces and the sessions root. Base
// workspaces are built once at startup and are read-only afterwards; a
// language whose build failed is marked degraded and executions in it fall
// back to the system toolchain.
type Provisioner struct {
	cfg Config

	mu       sync.RWMutex
	bases    map[string]string
	degraded map[string]error

	run commandRunner
}

// New creates a provisioner. Zero config fields fall back to defaults.
func New(cfg Config) *Provisioner {
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = DefaultInstallConcurrency
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = DefaultInstallTimeout
	}
	return &Provisioner{
		cfg:      cfg,
		bases:    make(map[string]string),
		degraded: make(map[string]error),
		run:      runCommand,
	}
}

// runCommand is the production command runner.
func runCommand(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, tail(out))
	}
	return nil
}

// tail returns the last few hundred bytes of command output for error
// messages.
func tail(out []byte) string {
	const max = 400
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}

// EnsureBaseWorkspaces builds every language's base workspace. One
// language failing marks it degraded without aborting startup. A file lock
// on the venvs root keeps concurrent crucible processes from provisioning
// over each other.
func (p *Provisioner) EnsureBaseWorkspaces(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.SessionsRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create sessions root: %w", err)
	}
	if err := os.MkdirAll(p.cfg.VenvsRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create venvs root: %w", err)
	}

	unlock := p.acquireProvisionLock(ctx)
	defer unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.InstallConcurrency)

	for _, desc := range languages.All() {
		g.Go(func() error {
			p.provisionLanguage(ctx, desc)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.RLock()
	ready := len(p.bases)
	p.mu.RUnlock()
	logger.Infof("Base workspaces ready for %d/%d languages", ready, len(languages.All()))
	return nil
}

// acquireProvisionLock takes the cross-process provisioning lock. Failure
// to acquire is logged and provisioning proceeds unguarded; every skeleton
// step is idempotent, so the worst case is duplicated work.
func (p *Provisioner) acquireProvisionLock(ctx context.Context) func() {
	lockPath := filepath.Join(p.cfg.VenvsRoot, ".provision.lock")
	fileLock := flock.New(lockPath)

	lockCtx, cancel := context.WithTimeout(ctx, provisionLockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !locked {
		logger.Warnf("Could not acquire provisioning lock %s, continuing unguarded: %v", lockPath, err)
		return func() {}
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Warnf("failed to unlock file %s: %v", lockPath, err)
		}
	}
}

func (p *Provisioner) provisionLanguage(ctx context.Context, desc languages.Descriptor) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.InstallTimeout)
	defer cancel()

	base := filepath.Join(p.cfg.VenvsRoot, desc.ID)
	if err := p.buildSkeleton(ctx, desc, base); err != nil {
		logger.Warnf("Base workspace for %s degraded: %v", desc.ID, err)
		p.mu.Lock()
		p.degraded[desc.ID] = err
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.bases[desc.ID] = base
	delete(p.degraded, desc.ID)
	p.mu.Unlock()
	logger.Debugf("Base workspace for %s at %s", desc.ID, base)
}

// buildSkeleton creates the language-appropriate project skeleton under
// base and installs the default packages. Every step tolerates being run
// again over an existing skeleton.
func (p *Provisioner) buildSkeleton(ctx context.Context, desc languages.Descriptor, base string) error {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}

	switch desc.ID {
	case "python":
		if err := p.run(ctx, base, "python3", "-m", "venv", base); err != nil {
			return err
		}
		if len(desc.DefaultPackages) > 0 {
			args := append([]string{"install", "--quiet"}, desc.DefaultPackages...)
			return p.run(ctx, base, filepath.Join(base, "bin", "pip"), args...)
		}
		return nil

	case "javascript", "typescript":
		if _, err := os.Stat(filepath.Join(base, "package.json")); errors.Is(err, fs.ErrNotExist) {
			if err := p.run(ctx, base, "npm", "init", "-y"); err != nil {
				return err
			}
		}
		if len(desc.DefaultPackages) > 0 {
			args := append([]string{"install", "--no-audit", "--no-fund"}, desc.DefaultPackages...)
			return p.run(ctx, base, "npm", args...)
		}
		return nil

	case "java":
		return mkdirs(base, filepath.Join("src", "main", "java"), "build")

	case "c", "cpp", "objc":
		return mkdirs(base, "lib", "include", "build")

	case "go":
		if err := mkdirs(base, "gopath", "src"); err != nil {
			return err
		}
		return writeGoManifest(base, desc.Version)

	case "rust":
		if err := mkdirs(base, ".cargo", "src", "build"); err != nil {
			return err
		}
		return writeCargoManifest(base, desc)

	default:
		// csharp, php, perl, ruby, lua, swift need only scratch space.
		return mkdirs(base, "lib", "build")
	}
}

func mkdirs(base string, subdirs ...string) error {
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// writeGoManifest writes a module manifest so `go run` inside the base
// workspace resolves without network access. The file is written directly
// rather than through `go mod init` so provisioning does not require the
// toolchain.
func writeGoManifest(base, version string) error {
	path := filepath.Join(base, "go.mod")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := fmt.Sprintf("module workspace\n\ngo %s\n", version)
	return os.WriteFile(path, []byte(content), 0o644)
}

// cargoManifest is the subset of Cargo.toml the skeleton needs.
type cargoManifest struct {
	Package      cargoPackage      `toml:"package"`
	Dependencies map[string]string `toml:"dependencies,omitempty"`
}

type cargoPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Edition string `toml:"edition"`
}

func writeCargoManifest(base string, desc languages.Descriptor) error {
	path := filepath.Join(base, "Cargo.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	deps := make(map[string]string, len(desc.DefaultPackages))
	for _, pkg := range desc.DefaultPackages {
		deps[pkg] = "*"
	}
	data, err := toml.Marshal(cargoManifest{
		Package: cargoPackage{
			Name:    "workspace",
			Version: "0.1.0",
			Edition: "2021",
		},
		Dependencies: deps,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	mainPath := filepath.Join(base, "src", "main.rs")
	if _, err := os.Stat(mainPath); errors.Is(err, fs.ErrNotExist) {
		return os.WriteFile(mainPath, []byte("fn main() {}\n"), 0o644)
	}
	return nil
}

// SessionWorkspace creates (or reuses) the scratch directory for the
// session and returns its path.
func (p *Provisioner) SessionWorkspace(sessionID string) (string, error) {
	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}
	path := filepath.Join(p.cfg.SessionsRoot, sessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session workspace: %w", err)
	}
	return path, nil
}

// DestroySessionWorkspace removes the session's directory. Errors are
// logged, not surfaced; the stale sweep will retry later.
func (p *Provisioner) DestroySessionWorkspace(sessionID string) {
	if err := validateSessionID(sessionID); err != nil {
		logger.Warnf("Refusing to destroy workspace: %v", err)
		return
	}
	path := filepath.Join(p.cfg.SessionsRoot, sessionID)
	if err := os.RemoveAll(path); err != nil {
		logger.Warnf("Failed to remove session workspace %s: %v", path, err)
	}
}

// SweepStale removes session directories whose modification time is older
// than maxAge. Returns how many were removed.
func (p *Provisioner) SweepStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultSweepMaxAge
	}
	entries, err := os.ReadDir(p.cfg.SessionsRoot)
	if err != nil {
		logger.Warnf("Failed to scan sessions root: %v", err)
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(p.cfg.SessionsRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warnf("Failed to remove stale workspace %s: %v", path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Infof("Swept %d stale session workspaces", removed)
	}
	return removed
}

// BaseWorkspace returns the language's base workspace path, or false when
// the language is degraded or unknown.
func (p *Provisioner) BaseWorkspace(lang string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	path, ok := p.bases[lang]
	return path, ok
}

// Degraded reports whether the language's base workspace failed to build.
func (p *Provisioner) Degraded(lang string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.degraded[lang]
	return ok
}

// DegradedLanguages returns the sorted ids of degraded languages.
func (p *Provisioner) DegradedLanguages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.degraded))
	for lang := range p.degraded {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// EnvFor returns the environment entries that point the language's
// toolchain into its base workspace. Nil when the language has none.
func (p *Provisioner) EnvFor(lang string) []string {
	base, ok := p.BaseWorkspace(lang)
	if !ok {
		return nil
	}

	switch lang {
	case "python":
		return []string{
			"VIRTUAL_ENV=" + base,
			"PATH=" + filepath.Join(base, "bin") + string(os.PathListSeparator) + os.Getenv("PATH"),
		}
	case "javascript", "typescript":
		return []string{"NODE_PATH=" + filepath.Join(base, "node_modules")}
	case "go":
		return []string{
			"GOPATH=" + filepath.Join(base, "gopath"),
			"GOCACHE=" + filepath.Join(base, "gopath", "cache"),
		}
	case "rust":
		return []string{"CARGO_HOME=" + filepath.Join(base, ".cargo")}
	case "java":
		return []string{"CLASSPATH=" + filepath.Join(base, "build")}
	case "c", "cpp", "objc":
		return []string{
			"C_INCLUDE_PATH=" + filepath.Join(base, "include"),
			"LIBRARY_PATH=" + filepath.Join(base, "lib"),
		}
	default:
		return nil
	}
}

// SessionsRoot returns the directory holding session workspaces.
func (p *Provisioner) SessionsRoot() string {
	return p.cfg.SessionsRoot
}

func validateSessionID(id string) error {
	if id == "" {
		return errors.New("session id is empty")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid session id %q: contains forbidden characters", id)
	}
	return nil
}
