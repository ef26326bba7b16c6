package dylibmitm_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/dylibmitm"
	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/internal/pefixture"
	"github.com/sliverarmory/dylibmitm/target"
)

var (
	win32 = target.Descriptor{OS: target.Windows, Arch: target.X86}
	win64 = target.Descriptor{OS: target.Windows, Arch: target.AMD64}
)

const renderOverride = `package main

/*
#include "mitm_target.h"
*/
import "C"

//export Render
func Render(frame C.int) C.int {
	return C.mitm_call_Render(frame) + 1
}
`

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func targetDLL(t *testing.T, tgt target.Descriptor) string {
	t.Helper()
	return writeFile(t, filepath.Join(t.TempDir(), "target.dll"), pefixture.DLL(tgt, "Init", "Render", "Shutdown"))
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestGenerate_RenderOverride(t *testing.T) {
	for _, tgt := range []target.Descriptor{win32, win64} {
		t.Run(tgt.String(), func(t *testing.T) {
			pkgDir := t.TempDir()
			writeFile(t, filepath.Join(pkgDir, "render.go"), []byte(renderOverride))

			shim, err := dylibmitm.Generate(dylibmitm.Options{
				LibraryPath: targetDLL(t, tgt),
				Overrides:   []string{"Render"},
				PackageDir:  pkgDir,
				Target:      tgt,
			})
			require.NoError(t, err)

			assert.Equal(t, []string{"Init", "Shutdown"}, shim.Plan.Forwarded())
			assert.Equal(t, []string{"Render"}, shim.Plan.Overridden())
			assert.Equal(t, 3, shim.Table.Len())
			require.Len(t, shim.Bindings, 1)
			assert.Equal(t, "Render", shim.Bindings[0].Export)
			assert.Equal(t, "target_mitm_init", shim.InitSymbol())

			require.NoError(t, shim.Write(""))
			asm := "mitm_target_windows_" + string(tgt.Arch) + ".S"
			assert.ElementsMatch(t, []string{
				"render.go", "mitm_target.h", "mitm_target.c", asm, "mitm_target.go",
			}, dirEntries(t, pkgDir))

			thunks, err := os.ReadFile(filepath.Join(pkgDir, asm))
			require.NoError(t, err)
			assert.Contains(t, string(thunks), "-export:Init\"")
			assert.Contains(t, string(thunks), "-export:Shutdown\"")
			assert.Contains(t, string(thunks), "-export:target_mitm_init\"")
			assert.NotContains(t, string(thunks), "Render")
		})
	}
}

func TestGenerate_MissingOverrideWritesNothing(t *testing.T) {
	out := t.TempDir()

	_, err := dylibmitm.Generate(dylibmitm.Options{
		LibraryPath: targetDLL(t, win64),
		Overrides:   []string{"Present"},
		PackageDir:  out,
		Target:      win64,
	})
	require.Error(t, err)

	var e *mitmerr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, mitmerr.PhaseReconcile, e.Phase)
	assert.Equal(t, mitmerr.KindNotFound, e.Kind)
	assert.Equal(t, "Present", e.Symbol)
	assert.Contains(t, err.Error(), `"Present"`)
	assert.Empty(t, dirEntries(t, out))
}

func TestGenerate_DefaultLoadPathIsDiscoveryPath(t *testing.T) {
	lib := targetDLL(t, win64)
	shim, err := dylibmitm.Generate(dylibmitm.Options{LibraryPath: lib, Target: win64})
	require.NoError(t, err)

	var source string
	for _, f := range shim.Files {
		if strings.HasSuffix(f.Name, ".c") {
			source = string(f.Data)
		}
	}
	quoted := strings.ReplaceAll(lib, `\`, `\\`)
	assert.Contains(t, source, "locator = \""+quoted+"\";")
	assert.ErrorIs(t, shim.Write(""), dylibmitm.ErrNoOutputDir)
}

func TestGenerate_LoadExpression(t *testing.T) {
	shim, err := dylibmitm.Generate(dylibmitm.Options{
		LibraryPath:    targetDLL(t, win64),
		LoadExpression: `mitm_system_path("target.dll")`,
		Target:         win64,
	})
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, shim.Write(out))
	source, err := os.ReadFile(filepath.Join(out, "mitm_target.c"))
	require.NoError(t, err)
	assert.Contains(t, string(source), `locator = mitm_system_path("target.dll");`)
}

func TestGenerate_Errors(t *testing.T) {
	noExports := writeFile(t, filepath.Join(t.TempDir(), "empty.dll"), pefixture.New(win64).Bytes())

	libPkg := t.TempDir()
	writeFile(t, filepath.Join(libPkg, "lib.go"), []byte("package shim\n"))

	tests := []struct {
		name  string
		opts  func(lib string) dylibmitm.Options
		phase mitmerr.Phase
		kind  mitmerr.Kind
	}{
		{
			name:  "unsupported target",
			opts:  func(lib string) dylibmitm.Options { return dylibmitm.Options{LibraryPath: lib, Target: target.Descriptor{OS: "linux", Arch: "amd64"}} },
			phase: mitmerr.PhaseConfig,
			kind:  mitmerr.KindUnsupportedTarget,
		},
		{
			name:  "no library",
			opts:  func(string) dylibmitm.Options { return dylibmitm.Options{Target: win64} },
			phase: mitmerr.PhaseConfig,
			kind:  mitmerr.KindInvalidInput,
		},
		{
			name: "path and expression",
			opts: func(lib string) dylibmitm.Options {
				return dylibmitm.Options{LibraryPath: lib, Target: win64, LoadPath: "a.dll", LoadExpression: `"b.dll"`}
			},
			phase: mitmerr.PhaseConfig,
			kind:  mitmerr.KindInvalidInput,
		},
		{
			name:  "width mismatch",
			opts:  func(lib string) dylibmitm.Options { return dylibmitm.Options{LibraryPath: lib, Target: win32} },
			phase: mitmerr.PhaseConfig,
			kind:  mitmerr.KindInvalidInput,
		},
		{
			name:  "no named exports",
			opts:  func(string) dylibmitm.Options { return dylibmitm.Options{LibraryPath: noExports, Target: win64} },
			phase: mitmerr.PhaseParse,
			kind:  mitmerr.KindMalformed,
		},
		{
			name:  "override without implementation",
			opts:  func(lib string) dylibmitm.Options { return dylibmitm.Options{LibraryPath: lib, Target: win64, Overrides: []string{"Render"}} },
			phase: mitmerr.PhaseOverride,
			kind:  mitmerr.KindNotFound,
		},
		{
			name:  "library package",
			opts:  func(lib string) dylibmitm.Options { return dylibmitm.Options{LibraryPath: lib, Target: win64, PackageDir: libPkg} },
			phase: mitmerr.PhaseConfig,
			kind:  mitmerr.KindInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dylibmitm.Generate(tt.opts(targetDLL(t, win64)))
			require.Error(t, err)
			assert.True(t, errors.Is(err, &mitmerr.Error{Phase: tt.phase, Kind: tt.kind}), err.Error())
		})
	}
}
