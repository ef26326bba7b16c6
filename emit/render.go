package emit

import (
	"bytes"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"go.uber.org/zap"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
)

// File is one rendered output file.
type File struct {
	Name string
	Data []byte
}

var funcs = template.FuncMap{
	"upper":  strings.ToUpper,
	"cquote": CQuote,
	"params": func(ps []string) string {
		if len(ps) == 0 {
			return "void"
		}
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = fmt.Sprintf("%s a%d", p, i)
		}
		return strings.Join(out, ", ")
	},
	"args": func(ps []string) string {
		out := make([]string, len(ps))
		for i := range ps {
			out[i] = fmt.Sprintf("a%d", i)
		}
		return strings.Join(out, ", ")
	},
}

var templates = template.Must(template.New("h").Funcs(funcs).Parse(header))

func init() {
	template.Must(templates.New("c").Parse(source))
	template.Must(templates.New("S").Parse(thunks))
	template.Must(templates.New("go").Parse(glue))
}

// Render produces the header, C source, assembly and Go glue of m, in that
// order. Nothing is written.
func Render(m *Model) ([]File, error) {
	names := []struct{ tmpl, name string }{
		{"h", m.Base + ".h"},
		{"c", m.Base + ".c"},
		{"S", fmt.Sprintf("%s_%s_%s.S", m.Base, m.Target.OS, m.Target.Arch)},
		{"go", m.Base + ".go"},
	}

	files := make([]File, 0, len(names))
	for _, n := range names {
		var buf bytes.Buffer
		if err := templates.ExecuteTemplate(&buf, n.tmpl, m); err != nil {
			return nil, mitmerr.Wrap(mitmerr.PhaseGenerate, mitmerr.KindIO, err, "render "+n.name)
		}
		data := buf.Bytes()
		if n.tmpl == "go" {
			formatted, err := format.Source(data)
			if err != nil {
				return nil, mitmerr.Wrap(mitmerr.PhaseGenerate, mitmerr.KindMalformed, err, "format "+n.name)
			}
			data = formatted
		}
		files = append(files, File{Name: n.name, Data: data})
	}
	return files, nil
}

// WriteDir writes files into dir, creating it if needed.
func WriteDir(dir string, files []File) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return mitmerr.New(mitmerr.PhaseGenerate, mitmerr.KindIO).Locator(dir).Cause(err).Detail("create output directory").Build()
	}
	for _, f := range files {
		path := filepath.Join(dir, f.Name)
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return mitmerr.New(mitmerr.PhaseGenerate, mitmerr.KindIO).Locator(path).Cause(err).Detail("write shim file").Build()
		}
		Logger().Debug("wrote shim file", zap.String("path", path), zap.Int("bytes", len(f.Data)))
	}
	return nil
}

// CQuote renders s as a C string literal. Bytes outside printable ASCII are
// written as three-digit octal escapes.
func CQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\', '?':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 || c >= 0x7f {
				fmt.Fprintf(&b, `\%03o`, c)
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
