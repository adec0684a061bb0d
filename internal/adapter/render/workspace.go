package render

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// entryFile is the name the fetched composition code is written under.
const entryFile = "index.tsx"

// manifest pins the renderer toolchain so user code cannot pull arbitrary
// versions. Kept as a literal because the set is fixed per release.
const manifest = `{
  "name": "render-job",
  "private": true,
  "dependencies": {
    "remotion": "4.0.147",
    "@remotion/cli": "4.0.147",
    "@remotion/renderer": "4.0.147",
    "react": "18.3.1",
    "react-dom": "18.3.1"
  }
}
`

// Workspace is an isolated per-job directory holding the composition entry
// point, the pinned manifest, and installed dependencies.
type Workspace struct {
	Root string
}

// EntryPoint returns the path of the composition entry file.
func (w *Workspace) EntryPoint() string { return filepath.Join(w.Root, entryFile) }

// OutputPath returns where the renderer writes its artifact for the format.
func (w *Workspace) OutputPath(f domain.Format) string {
	return filepath.Join(w.Root, "output."+f.Ext())
}

// Cleanup removes the workspace tree. Safe to call more than once.
func (w *Workspace) Cleanup() error {
	if w == nil || w.Root == "" {
		return nil
	}
	return os.RemoveAll(w.Root)
}

// WorkspaceManager prepares per-job workspaces under BaseDir.
type WorkspaceManager struct {
	BaseDir        string
	InstallTimeout time.Duration
	// InstallArgv overrides the dependency install command. Empty means
	// "npm install" with network noise suppressed.
	InstallArgv []string
}

// NewWorkspaceManager constructs a manager; baseDir empty means os.TempDir.
func NewWorkspaceManager(baseDir string, installTimeout time.Duration) *WorkspaceManager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if installTimeout <= 0 {
		installTimeout = 120 * time.Second
	}
	return &WorkspaceManager{BaseDir: baseDir, InstallTimeout: installTimeout}
}

// Prepare writes the fetched code and pinned manifest into a fresh directory
// and installs dependencies with a bounded timeout and a restricted
// environment.
func (m *WorkspaceManager) Prepare(ctx context.Context, jobID string, code []byte) (*Workspace, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("op=workspace.rand: %w", err)
	}
	dir := filepath.Join(m.BaseDir, fmt.Sprintf("renderflow-%s-%s", jobID, hex.EncodeToString(suffix)))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("op=workspace.mkdir dir=%s: %w", dir, err)
	}
	ws := &Workspace{Root: dir}

	if err := os.WriteFile(ws.EntryPoint(), code, 0o600); err != nil {
		_ = ws.Cleanup()
		return nil, fmt.Errorf("op=workspace.write_entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o600); err != nil {
		_ = ws.Cleanup()
		return nil, fmt.Errorf("op=workspace.write_manifest: %w", err)
	}

	if err := m.install(ctx, dir); err != nil {
		_ = ws.Cleanup()
		return nil, err
	}
	return ws, nil
}

func (m *WorkspaceManager) install(ctx context.Context, dir string) error {
	argv := m.InstallArgv
	if len(argv) == 0 {
		argv = []string{"npm", "install", "--omit=dev", "--no-audit", "--no-fund"}
	}
	installCtx, cancel := context.WithTimeout(ctx, m.InstallTimeout)
	defer cancel()

	cmd := exec.CommandContext(installCtx, argv[0], argv[1:]...) //nolint:gosec // fixed argv, user code never reaches it
	cmd.Dir = dir
	// User code runs postinstall hooks here; keep the environment minimal.
	cmd.Env = []string{
		"HOME=" + dir,
		"PATH=" + os.Getenv("PATH"),
		"NODE_ENV=production",
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if installCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("op=workspace.install: timed out after %s", m.InstallTimeout)
		}
		return fmt.Errorf("op=workspace.install: %w: %s", err, tail(out, 2000))
	}
	return nil
}

// tail returns up to n trailing bytes of command output for error context.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
