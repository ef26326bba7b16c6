package dylibmitm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/target"
)

// Config is the YAML form of Options:
//
//	library: ./vendor/target.dll
//	output: ./shim
//	os: windows
//	arch: amd64
//	overrides: [Render]
//	load_expression: mitm_system_path("target.dll")
//	init_on_attach: true
type Config struct {
	Library        string   `yaml:"library"`
	Output         string   `yaml:"output"`
	OS             string   `yaml:"os"`
	Arch           string   `yaml:"arch"`
	Overrides      []string `yaml:"overrides"`
	LoadPath       string   `yaml:"load_path"`
	LoadExpression string   `yaml:"load_expression"`
	InitOnAttach   bool     `yaml:"init_on_attach"`
}

// LoadConfig reads a YAML configuration file. Relative library and output
// paths are resolved against the file's directory; the load path is used
// verbatim at runtime and is left alone.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: %w", mitmerr.New(mitmerr.PhaseConfig, mitmerr.KindIO).
			Locator(path).Cause(err).Detail("read config").Build())
	}
	cfg, err := ParseConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for _, p := range []*string{&cfg.Library, &cfg.Output} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return cfg, nil
}

// ParseConfig decodes a YAML configuration. Unknown keys are rejected.
func ParseConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, mitmerr.Wrap(mitmerr.PhaseConfig, mitmerr.KindInvalidInput, err, "decode config")
	}
	return cfg, nil
}

// Options converts the configuration. Missing os and arch default to the
// host; the result is validated like any other target.
func (c *Config) Options() (Options, error) {
	host := target.Host()
	osName, arch := c.OS, c.Arch
	if osName == "" {
		osName = string(host.OS)
	}
	if arch == "" {
		arch = string(host.Arch)
	}
	t, err := target.Parse(osName, arch)
	if err != nil {
		return Options{}, fmt.Errorf("dylibmitm: %w", err)
	}
	return Options{
		LibraryPath:    c.Library,
		LoadPath:       c.LoadPath,
		LoadExpression: c.LoadExpression,
		Overrides:      c.Overrides,
		PackageDir:     c.Output,
		Target:         t,
		InitOnAttach:   c.InitOnAttach,
	}, nil
}
