// Package workspace manages the per-run artifact directories the file
// arbiter allocates under.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Run is one run's artifact root. The database stores run ids only so the
// artifacts directory can move without rewriting rows.
type Run struct {
	ID  string
	Dir string
}

// CleanupReport summarizes a retention sweep.
type CleanupReport struct {
	DeletedDirs int
	Kept        int
}

// Manager creates and sweeps run directories below a base directory.
type Manager struct {
	baseDir string
	now     func() time.Time
}

// NewManager creates a filesystem-backed manager rooted at baseDir.
func NewManager(baseDir string) (*Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("artifacts directory is empty")
	}
	return &Manager{baseDir: filepath.Clean(trimmed), now: time.Now}, nil
}

// BaseDir returns the directory holding all runs.
func (m *Manager) BaseDir() string { return m.baseDir }

// Create makes a fresh directory for runID. It fails if the run exists.
func (m *Manager) Create(ctx context.Context, runID string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	path, err := m.runPath(runID)
	if err != nil {
		return Run{}, err
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Run{}, fmt.Errorf("create artifacts directory: %w", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return Run{}, fmt.Errorf("create run directory %q: %w", runID, err)
	}
	return Run{ID: runID, Dir: path}, nil
}

// Open returns an existing run directory.
func (m *Manager) Open(ctx context.Context, runID string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	path, err := m.runPath(runID)
	if err != nil {
		return Run{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Run{}, fmt.Errorf("open run directory %q: %w", runID, err)
	}
	if !info.IsDir() {
		return Run{}, fmt.Errorf("run path %q is not a directory", runID)
	}
	return Run{ID: runID, Dir: path}, nil
}

// Cleanup removes run directories last modified more than olderThan ago.
// Runs named in keep are never removed.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration, keep ...string) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("retention must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read artifacts directory: %w", err)
	}

	protected := make(map[string]bool, len(keep))
	for _, id := range keep {
		protected[id] = true
	}
	cutoff := m.now().Add(-olderThan)

	var report CleanupReport
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("stat run %q: %w", entry.Name(), err)
		}
		if protected[entry.Name()] || info.ModTime().After(cutoff) {
			report.Kept++
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove run %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}
	return report, nil
}

func (m *Manager) runPath(runID string) (string, error) {
	if err := validateRunID(runID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, runID), nil
}

func validateRunID(runID string) error {
	trimmed := strings.TrimSpace(runID)
	switch {
	case trimmed == "":
		return fmt.Errorf("run id is empty")
	case trimmed == "." || trimmed == "..":
		return fmt.Errorf("run id %q is invalid", runID)
	case strings.ContainsAny(trimmed, `/\`):
		return fmt.Errorf("run id %q must not contain path separators", runID)
	case filepath.Clean(trimmed) != trimmed:
		return fmt.Errorf("run id %q is invalid", runID)
	}
	return nil
}
