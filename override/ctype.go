package override

import (
	"fmt"
	"go/ast"
	"go/types"
	"strings"
)

// Marker is the C function-pointer type an implementation must have.
type Marker struct {
	Result string
	Params []string
}

// Typedef declares the marker under name.
func (m Marker) Typedef(name string) string {
	return fmt.Sprintf("typedef %s (*%s)(%s);", m.Result, name, m.ParamList())
}

// ParamList renders the parameter types, "void" when there are none.
func (m Marker) ParamList() string {
	if len(m.Params) == 0 {
		return "void"
	}
	return strings.Join(m.Params, ", ")
}

// Tags lists the struct, union and enum tags the marker mentions, so the
// header can forward-declare them.
func (m Marker) Tags() []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range append([]string{m.Result}, m.Params...) {
		t = strings.TrimRight(t, "*")
		for _, kw := range []string{"struct ", "union "} {
			if strings.HasPrefix(t, kw) && !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

var cNames = map[string]string{
	"char":      "char",
	"schar":     "signed char",
	"uchar":     "unsigned char",
	"short":     "short",
	"ushort":    "unsigned short",
	"int":       "int",
	"uint":      "unsigned int",
	"long":      "long",
	"ulong":     "unsigned long",
	"longlong":  "long long",
	"ulonglong": "unsigned long long",
	"float":     "float",
	"double":    "double",
}

// goNames maps Go types to the C types cgo uses for them in export
// prototypes.
var goNames = map[string]string{
	"int8":    "signed char",
	"uint8":   "unsigned char",
	"byte":    "unsigned char",
	"int16":   "short",
	"uint16":  "unsigned short",
	"int32":   "int",
	"rune":    "int",
	"uint32":  "unsigned int",
	"int64":   "long long",
	"uint64":  "unsigned long long",
	"float32": "float",
	"float64": "double",
	"uintptr": "size_t",
}

// cType maps a parameter or result type to C.
func cType(expr ast.Expr) (string, error) {
	switch e := expr.(type) {
	case *ast.StarExpr:
		inner, err := cType(e.X)
		if err != nil {
			return "", err
		}
		return inner + "*", nil
	case *ast.SelectorExpr:
		pkg, ok := e.X.(*ast.Ident)
		if !ok {
			break
		}
		switch {
		case pkg.Name == "unsafe" && e.Sel.Name == "Pointer":
			return "void*", nil
		case pkg.Name == "C":
			return cgoName(e.Sel.Name), nil
		}
	case *ast.Ident:
		if c, ok := goNames[e.Name]; ok {
			return c, nil
		}
	case *ast.ParenExpr:
		return cType(e.X)
	}
	return "", fmt.Errorf("type %s has no C representation", types.ExprString(expr))
}

func cgoName(name string) string {
	if c, ok := cNames[name]; ok {
		return c
	}
	for _, kw := range []string{"struct", "union", "enum"} {
		if tag, ok := strings.CutPrefix(name, kw+"_"); ok {
			return kw + " " + tag
		}
	}
	return name
}

// MarkerFor derives the marker of fn.
func MarkerFor(fn Func) (Marker, error) {
	var m Marker
	if len(fn.Results) > 1 {
		return m, fmt.Errorf("%d results, at most one can cross into C", len(fn.Results))
	}
	m.Result = "void"
	if len(fn.Results) == 1 {
		c, err := cType(fn.Results[0])
		if err != nil {
			return m, fmt.Errorf("result: %w", err)
		}
		m.Result = c
	}
	for i, p := range fn.Params {
		c, err := cType(p)
		if err != nil {
			return m, fmt.Errorf("parameter %d: %w", i, err)
		}
		m.Params = append(m.Params, c)
	}
	return m, nil
}
