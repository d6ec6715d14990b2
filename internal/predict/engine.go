package predict

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrToolMissing is returned by Check when the external predictor
// binary cannot be resolved.
var ErrToolMissing = errors.New("predictor tool not found")

// Engine is the inference collaborator. Predict returns the names of
// the rasters it produced inside the request's workspace, primary
// prediction first. Engines are safe for concurrent Predict calls as
// long as each call owns its workspace; the orchestrator guarantees
// one in-flight call per workspace.
type Engine interface {
	// Check verifies the engine's external dependencies before any
	// work is dispatched.
	Check(ctx context.Context) error

	// Predict runs one inference call.
	Predict(ctx context.Context, req Request) ([]string, error)
}

// ExecEngine invokes the external predictor tool in a child process,
// one process per call. The child receives its workspace handle
// through the environment and never touches the parent's context; the
// store URL travels the same way so the child addresses the same
// artifacts. The tool reports each raster it produced as one name per
// stdout line.
type ExecEngine struct {
	Tool        string
	StoreURL    string
	Compression string
}

// NewExecEngine creates an engine invoking tool against the store.
func NewExecEngine(tool, storeURL, compression string) *ExecEngine {
	return &ExecEngine{Tool: tool, StoreURL: storeURL, Compression: compression}
}

// Check resolves the tool on PATH. Failure is fatal for the run: there
// is no point planning a grid for a predictor that cannot start.
func (e *ExecEngine) Check(ctx context.Context) error {
	if _, err := exec.LookPath(e.Tool); err != nil {
		return fmt.Errorf("%w: %q is not on PATH (install the tilecast-predict package)", ErrToolMissing, e.Tool)
	}
	return nil
}

// Predict runs the tool once for the request.
func (e *ExecEngine) Predict(ctx context.Context, req Request) ([]string, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Tool, req.Args()...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"TILECAST_STORE="+e.StoreURL,
		"TILECAST_WORKSPACE="+req.Workspace,
		"TILECAST_COMPRESSOR="+e.Compression,
	)

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("predictor %s: %w: %s", req.Output, err, lastLine(msg))
		}
		return nil, fmt.Errorf("predictor %s: %w", req.Output, err)
	}

	var names []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		// Older tool versions print nothing; the primary output name
		// is then the only artifact.
		names = []string{req.Output}
	}
	return names, nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var _ Engine = (*ExecEngine)(nil)
