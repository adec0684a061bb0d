package render

import (
	"context"
	"fmt"
	"os"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// StubBundler returns a canned bundle location without invoking any
// toolchain. Used in dev and test environments.
type StubBundler struct {
	// Err, when set, is returned from every call.
	Err error
}

// Bundle returns a deterministic pseudo-location derived from the entry point.
func (s *StubBundler) Bundle(_ context.Context, entryPoint string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return "stub-bundle://" + entryPoint, nil
}

// StubRenderer writes a small placeholder artifact and reports every frame
// through onFrame. Used in dev and test environments.
type StubRenderer struct {
	// FailAtFrame > 0 aborts the render once that frame is reached.
	FailAtFrame int
	Err         error
}

// Render simulates a full render of the requested frame range.
func (s *StubRenderer) Render(ctx context.Context, in domain.RenderInput, onFrame func(frame, total int)) error {
	if s.Err != nil {
		return s.Err
	}
	total := in.Settings.DurationFrames
	for frame := 1; frame <= total; frame++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("op=render.stub: %w", err)
		}
		if s.FailAtFrame > 0 && frame >= s.FailAtFrame {
			return fmt.Errorf("op=render.stub: simulated failure at frame %d", frame)
		}
		if onFrame != nil {
			onFrame(frame, total)
		}
	}
	payload := fmt.Sprintf("stub render artifact format=%s frames=%d\n", in.Settings.Format, total)
	if err := os.WriteFile(in.OutputPath, []byte(payload), 0o600); err != nil {
		return fmt.Errorf("op=render.stub.write: %w", err)
	}
	return nil
}
