package main

import (
	"errors"
	"testing"

	"github.com/couchcryptid/sentryd/internal/pipeline"
)

func TestRun_MissingConfigFileIsUserError(t *testing.T) {
	code := run("/nonexistent/sentryd.yaml", "")
	if code != exitUserError {
		t.Errorf("run() = %d, want %d", code, exitUserError)
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := exitCodeFor(pipeline.NewUserError("bad option")); got != exitUserError {
		t.Errorf("exitCodeFor(UserError) = %d, want %d", got, exitUserError)
	}
	if got := exitCodeFor(errors.New("boom")); got != exitFailure {
		t.Errorf("exitCodeFor(plain error) = %d, want %d", got, exitFailure)
	}
}
