package render

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// progressLine matches the renderer CLI's per-frame output, e.g.
// "Rendered 42/900".
var progressLine = regexp.MustCompile(`Rendered\s+(\d+)/(\d+)`)

// parseProgress extracts (frame, total) from a CLI output line.
func parseProgress(line string) (frame, total int, ok bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	frame, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	total, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return frame, total, true
}

// CLIBundler compiles a workspace entry point into a static bundle by
// shelling out to the render CLI.
type CLIBundler struct {
	Command string
}

// NewCLIBundler constructs a bundler; command empty means "npx".
func NewCLIBundler(command string) *CLIBundler {
	if command == "" {
		command = "npx"
	}
	return &CLIBundler{Command: command}
}

// Bundle runs the bundle step next to the entry point and returns the bundle
// location (the last non-empty output line).
func (b *CLIBundler) Bundle(ctx context.Context, entryPoint string) (string, error) {
	cmd := exec.CommandContext(ctx, b.Command, "remotion", "bundle", entryPoint) //nolint:gosec // fixed argv
	cmd.Dir = filepath.Dir(entryPoint)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("op=bundle: %w: %s", err, tail(out, 2000))
	}
	loc := lastLine(string(out))
	if loc == "" {
		return "", fmt.Errorf("op=bundle: empty bundler output")
	}
	return loc, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// CLIRenderer renders a bundle by shelling out to the render CLI, streaming
// per-frame progress back through onFrame.
type CLIRenderer struct {
	Command string
}

// NewCLIRenderer constructs a renderer; command empty means "npx".
func NewCLIRenderer(command string) *CLIRenderer {
	if command == "" {
		command = "npx"
	}
	return &CLIRenderer{Command: command}
}

// renderArgs builds the CLI argv for one render. Every render setting the
// job carries overrides whatever the composition declares, fps included.
func renderArgs(in domain.RenderInput, props []byte) []string {
	return []string{
		"remotion", "render",
		in.BundleURL, in.Composition, in.OutputPath,
		"--codec=" + in.Settings.Format.Codec(),
		"--props=" + string(props),
		"--width=" + strconv.Itoa(in.Settings.Width),
		"--height=" + strconv.Itoa(in.Settings.Height),
		"--fps=" + strconv.Itoa(in.Settings.FPS),
		"--frames=0-" + strconv.Itoa(in.Settings.DurationFrames-1),
		"--gl=swangle",
	}
}

// Render executes the render and writes the artifact to in.OutputPath.
// Headless GPU is disabled; software GL keeps output deterministic across
// worker hosts.
func (r *CLIRenderer) Render(ctx context.Context, in domain.RenderInput, onFrame func(frame, total int)) error {
	props, err := json.Marshal(in.Props)
	if err != nil {
		return fmt.Errorf("op=render.props: %w", err)
	}
	cmd := exec.CommandContext(ctx, r.Command, renderArgs(in, props)...) //nolint:gosec // fixed argv
	cmd.Dir = filepath.Dir(in.OutputPath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("op=render.pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("op=render.start: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		frame, total, ok := parseProgress(scanner.Text())
		if ok && onFrame != nil {
			onFrame(frame, total)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("op=render: %w", ctx.Err())
		}
		return fmt.Errorf("op=render: %w", err)
	}
	return nil
}
