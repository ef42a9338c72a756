//go:build integration

// Package itest holds integration tests that exercise the built sumcut
// binary end to end. Run with `go test -tags integration ./internal/itest`.
package itest

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

func findRepoRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(filepath.Join(wd, "go.mod")); err == nil {
			return wd, nil
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			break
		}
		wd = parent
	}
	return "", errors.New("could not locate go.mod")
}

var (
	buildOnce sync.Once
	buildBin  string
	buildErr  error
)

// buildCLI compiles cmd/sumcut once per test process and returns the
// binary path.
func buildCLI(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		root, err := findRepoRoot()
		if err != nil {
			buildErr = err
			return
		}
		dir, err := os.MkdirTemp("", "sumcut-itest-")
		if err != nil {
			buildErr = err
			return
		}
		bin := filepath.Join(dir, "sumcut")
		cmd := exec.Command("go", "build", "-o", bin, "./cmd/sumcut")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = errors.New("build sumcut: " + err.Error() + "\n" + string(out))
			return
		}
		buildBin = bin
	})
	if buildErr != nil {
		t.Fatalf("%v", buildErr)
	}
	return buildBin
}

type cliResult struct {
	exitCode int
	output   string
}

func runCLI(t *testing.T, env map[string]string, args ...string) cliResult {
	t.Helper()
	cmd := exec.Command(buildCLI(t), args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out, err := cmd.CombinedOutput()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("run cli: %v\n%s", err, out)
		}
		code = exitErr.ExitCode()
	}
	return cliResult{exitCode: code, output: string(out)}
}
