package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/geodrift/tilecast/internal/merge"
	"github.com/geodrift/tilecast/internal/predict"
	"github.com/geodrift/tilecast/internal/scheduler"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing tool", fmt.Errorf("check: %w", predict.ErrToolMissing), exitToolMissing},
		{"context leak", &scheduler.ContextLeakError{Before: "main", After: "tmp_out_tile_1"}, exitIsolation},
		{"repeated switch failures", fmt.Errorf("%w (2 failures)", scheduler.ErrRepeatedSwitchFailures), exitIsolation},
		{"empty merge", fmt.Errorf("prediction produced no tiles: %w", merge.ErrNoTiles), exitRunFailure},
		{"anything else", errors.New("bucket unreachable"), exitRunFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestRunRejectsIncompleteFlags(t *testing.T) {
	if got := run([]string{"-output", "landcover"}); got != exitUsage {
		t.Errorf("run without required options = %d, want %d", got, exitUsage)
	}
}

func TestRunHelpIsNotAnError(t *testing.T) {
	if got := run([]string{"-h"}); got != exitSuccess {
		t.Errorf("run -h = %d, want %d", got, exitSuccess)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	if got := run([]string{"-definitely-not-a-flag"}); got != exitUsage {
		t.Errorf("run with unknown flag = %d, want %d", got, exitUsage)
	}
}
