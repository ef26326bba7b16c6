package dylibmitm_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sliverarmory/dylibmitm"
	"github.com/sliverarmory/dylibmitm/target"
)

func zigTargetFor(t target.Descriptor) (string, bool) {
	switch t.Arch {
	case target.X86:
		return "x86-windows-gnu", true
	case target.AMD64:
		return "x86_64-windows-gnu", true
	default:
		return "", false
	}
}

// buildTargetDLL compiles testdata/c/target.c, exporting Init, Render and
// Shutdown.
func buildTargetDLL(t *testing.T, outDir string, tgt target.Descriptor) string {
	t.Helper()

	zigTarget, ok := zigTargetFor(tgt)
	if !ok {
		t.Fatalf("unsupported target %s", tgt)
	}

	outputPath := filepath.Join(outDir, "target.dll")
	sourcePath, err := filepath.Abs(filepath.Join("testdata", "c", "target.c"))
	if err != nil {
		t.Fatalf("resolve target source: %v", err)
	}

	cmd := exec.Command("zig", "cc", "-target", zigTarget, "-O2", "-g0", "-shared", "-o", outputPath, sourcePath)
	cmd.Env = overrideEnv(os.Environ(), zigCacheEnv())
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build target dll %s: %v\n%s", tgt, err, output)
	}

	// Zig emits COFF sidecars for windows builds; keep test temp dirs tidy.
	_ = os.Remove(filepath.Join(outDir, "target.pdb"))
	_ = os.Remove(filepath.Join(outDir, "target.lib"))
	return outputPath
}

// buildShimDLL generates a shim for libraryPath with the Render override from
// testdata/go/shim and builds it with -buildmode=c-shared.
func buildShimDLL(t *testing.T, libraryPath string, loadPath string, tgt target.Descriptor) string {
	t.Helper()

	pkgDir := t.TempDir()
	override, err := os.ReadFile(filepath.Join("testdata", "go", "shim", "render.go"))
	if err != nil {
		t.Fatalf("read override source: %v", err)
	}
	writeFile(t, filepath.Join(pkgDir, "render.go"), override)
	writeFile(t, filepath.Join(pkgDir, "go.mod"), []byte("module shim\n\ngo 1.25\n"))

	shim, err := dylibmitm.Generate(dylibmitm.Options{
		LibraryPath: libraryPath,
		LoadPath:    loadPath,
		Overrides:   []string{"Render"},
		PackageDir:  pkgDir,
		Target:      tgt,
	})
	if err != nil {
		t.Fatalf("generate shim: %v", err)
	}
	if err := shim.Write(""); err != nil {
		t.Fatalf("write shim: %v", err)
	}

	zigTarget, _ := zigTargetFor(tgt)
	outputPath := filepath.Join(t.TempDir(), fmt.Sprintf("shim_%s.dll", tgt.Arch))
	cmd := exec.Command("go", "build", "-buildmode=c-shared", "-trimpath", "-o", outputPath, ".")
	cmd.Dir = pkgDir
	env := map[string]string{
		"GOOS":        string(tgt.OS),
		"GOARCH":      string(tgt.Arch),
		"CGO_ENABLED": "1",
		"GOWORK":      "off",
		"GOFLAGS":     "",
		"GOCACHE":     filepath.Join(os.TempDir(), "dylibmitm-go-build-cache"),
		"CC":          "zig cc -target " + zigTarget,
		"CXX":         "zig c++ -target " + zigTarget,
	}
	for k, v := range zigCacheEnv() {
		env[k] = v
	}
	cmd.Env = overrideEnv(os.Environ(), env)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build shim %s: %v\n%s", tgt, err, output)
	}

	base := strings.TrimSuffix(outputPath, ".dll")
	_ = os.Remove(base + ".h")
	_ = os.Remove(base + ".lib")
	_ = os.Remove(base + ".pdb")
	return outputPath
}

func zigCacheEnv() map[string]string {
	return map[string]string{
		"ZIG_GLOBAL_CACHE_DIR": filepath.Join(os.TempDir(), "dylibmitm-zig-global-cache"),
		"ZIG_LOCAL_CACHE_DIR":  filepath.Join(os.TempDir(), "dylibmitm-zig-local-cache"),
	}
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}

func overrideEnv(base []string, overrides map[string]string) []string {
	block := make(map[string]struct{}, len(overrides))
	for key := range overrides {
		block[key] = struct{}{}
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		if _, drop := block[kv[:eq]]; drop {
			continue
		}
		out = append(out, kv)
	}

	for key, value := range overrides {
		out = append(out, key+"="+value)
	}
	return out
}
