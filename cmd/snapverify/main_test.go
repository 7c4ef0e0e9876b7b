package main

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

// buildBinary compiles the command into a temp dir.
func buildBinary(t *testing.T) (binPath, workDir string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	workDir = t.TempDir()
	binPath = filepath.Join(workDir, "snapverify-test")

	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "snapverify")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath, workDir
}

// run executes the binary in dir with the backup and advisor env cleared
// and returns stdout and stderr combined.
func run(bin, dir string, args ...string) ([]byte, error) {
	return command(bin, dir, args...).CombinedOutput()
}

// stdout is run without stderr, for JSON output.
func stdout(bin, dir string, args ...string) ([]byte, error) {
	return command(bin, dir, args...).Output()
}

func command(bin, dir string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "SLIDE_") || strings.HasPrefix(kv, "OPENAI_") || strings.HasPrefix(kv, "WINDOWS_") {
			continue
		}
		env = append(env, kv)
	}
	cmd.Env = env
	return cmd
}

func TestMainEntryPoints(t *testing.T) {
	_ = main
}

func TestMainHelpFlag(t *testing.T) {
	bin, dir := buildBinary(t)
	out, err := run(bin, dir, "--help")
	require.NoError(t, err)
	assert.Contains(t, string(out), "snapverify")
	assert.Contains(t, string(out), "backups restore")
}

func TestMainUnknownCommand(t *testing.T) {
	bin, dir := buildBinary(t)
	out, err := run(bin, dir, "unknown-command-xyz")
	assert.Error(t, err)
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

func TestBinaryConfigInit(t *testing.T) {
	bin, dir := buildBinary(t)

	out, err := run(bin, dir, "config", "init")
	require.NoError(t, err, string(out))
	_, err = os.Stat(filepath.Join(dir, "snapverify.yaml"))
	assert.NoError(t, err)

	out, err = stdout(bin, dir, "--json", "config", "path")
	require.NoError(t, err, string(out))
	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, true, got["exists"])
}

func TestBinaryRunWithoutKeysFails(t *testing.T) {
	bin, dir := buildBinary(t)
	out, err := run(bin, dir, "run", "--agent", "fs01")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, string(out), "SLIDE_API_KEY")
}

func TestBinaryHistoryEmpty(t *testing.T) {
	bin, dir := buildBinary(t)
	out, err := stdout(bin, dir, "--json", "history", "--db", filepath.Join(dir, "h.db"))
	require.NoError(t, err, string(out))
	assert.JSONEq(t, "[]", string(out))
}
