package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/internal/pefixture"
	"github.com/sliverarmory/dylibmitm/target"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func fixture(t *testing.T, tgt target.Descriptor) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "target.dll")
	require.NoError(t, os.WriteFile(path, pefixture.DLL(tgt, "Init", "Render", "Shutdown"), 0o644))
	return path
}

func TestExportsCommand(t *testing.T) {
	win32 := target.Descriptor{OS: target.Windows, Arch: target.X86}
	out, err := run(t, "exports", "--arch", "386", fixture(t, win32))
	require.NoError(t, err)

	assert.Contains(t, out, "INDEX")
	assert.Regexp(t, `0\s+1\s+0x00001000\s+Init`, out)
	assert.Regexp(t, `2\s+3\s+0x00001020\s+Shutdown`, out)
}

func TestExportsCommand_UnsupportedArch(t *testing.T) {
	win64 := target.Descriptor{OS: target.Windows, Arch: target.AMD64}
	_, err := run(t, "exports", "--arch", "arm64", fixture(t, win64))
	assert.True(t, errors.Is(err, &mitmerr.Error{Phase: mitmerr.PhaseConfig, Kind: mitmerr.KindUnsupportedTarget}))
}

func TestGenerateCommand(t *testing.T) {
	win64 := target.Descriptor{OS: target.Windows, Arch: target.AMD64}
	outDir := filepath.Join(t.TempDir(), "shim")

	out, err := run(t, "generate", "--arch", "amd64", "-o", outDir,
		"--load-expr", `mitm_system_path("target.dll")`, fixture(t, win64))
	require.NoError(t, err)

	assert.Contains(t, out, "mitm_target_windows_amd64.S")
	assert.Contains(t, out, "3 forwarded, 0 overridden; call target_mitm_init before using the shim")

	source, err := os.ReadFile(filepath.Join(outDir, "mitm_target.c"))
	require.NoError(t, err)
	assert.Contains(t, string(source), `locator = mitm_system_path("target.dll");`)
}

func TestGenerateCommand_Config(t *testing.T) {
	win32 := target.Descriptor{OS: target.Windows, Arch: target.X86}
	dir := t.TempDir()
	lib := fixture(t, win32)
	cfg := filepath.Join(dir, "mitm.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("library: "+lib+"\noutput: out\nos: windows\narch: \"386\"\n"), 0o644))

	// cobra keeps flag values between runs, so restate the ones set above.
	out, err := run(t, "generate", "--config", cfg, "--arch", "386", "-o", filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Contains(t, out, "mitm_target_windows_386.S")

	_, err = os.Stat(filepath.Join(dir, "out", "mitm_target.h"))
	assert.NoError(t, err)
}
