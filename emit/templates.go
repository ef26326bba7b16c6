package emit

const header = `// Code generated by dylibmitm for {{.Library}} ({{.Target}}). DO NOT EDIT.

#ifndef {{upper .Base}}_H
#define {{upper .Base}}_H

#include <stddef.h>
#include <windows.h>
{{- if .Tags}}
{{range .Tags}}
{{.}};
{{- end}}
{{- end}}

// {{.Init}} opens {{.Library}} and resolves every slot. It must complete
// before any export of the shim is called. Later calls do nothing.
void {{.Init}}(void);

// Resolved addresses of the original exports.
{{- range .Slots}}
extern void *{{.Symbol}};
{{- end}}
{{- if .Bindings}}

// Signatures of the manual overrides.
{{- range .Bindings}}
{{.Typedef}}
{{- end}}
{{range .Bindings}}
static inline {{.Result}} mitm_call_{{.Export}}({{params .Params}}) {
	{{if ne .Result "void"}}return {{end}}(({{.Marker}}){{.Slot}})({{args .Params}});
}
{{- end}}
{{- end}}

#endif
`

const source = `// Code generated by dylibmitm for {{.Library}} ({{.Target}}). DO NOT EDIT.

#include <stdio.h>
#include <stdlib.h>
#include <string.h>
#include <windows.h>

#include "{{.Base}}.h"
{{- if .Bindings}}
#include "_cgo_export.h"
{{- end}}

#define MITM_SLOTS {{len .Slots}}

static void mitm_die(const char *msg) {
	fprintf(stderr, "%s\n", msg);
	fflush(stderr);
	abort();
}
{{range .Slots}}
static void mitm_trap_{{.Index}}(void) {
	mitm_die({{cquote (printf "%s called before %s was loaded" .Export $.Library)}});
}
{{end}}
{{- range .Slots}}
void *{{.Symbol}} = (void *)mitm_trap_{{.Index}};
{{- end}}

static const char *const mitm_names[MITM_SLOTS] = {
{{- range .Slots}}
	{{cquote .Export}},
{{- end}}
};

static void **const mitm_cells[MITM_SLOTS] = {
{{- range .Slots}}
	&{{.Symbol}},
{{- end}}
};

__attribute__((unused)) static const char *mitm_system_path(const char *name) {
	static char buf[MAX_PATH * 3 + 1];
	WCHAR dir[MAX_PATH];
	UINT n;
	int len;

	n = GetSystemDirectoryW(dir, MAX_PATH);
	if (n == 0 || n >= MAX_PATH) {
		mitm_die("failed to locate the system directory");
	}
	len = WideCharToMultiByte(CP_UTF8, 0, dir, (int)n, buf, (int)sizeof(buf) - 1, NULL, NULL);
	if (len <= 0 || (size_t)len + 1 + strlen(name) >= sizeof(buf)) {
		mitm_die("system directory path is too long");
	}
	buf[len] = '\\';
	strcpy(buf + len + 1, name);
	return buf;
}

static int mitm_loaded;

void {{.Init}}(void) {
	void *staged[MITM_SLOTS];
	char msg[1024];
	const char *locator;
	WCHAR *wide;
	HMODULE lib;
	int n, i;

	if (mitm_loaded) {
		return;
	}

	locator = {{.Load}};
	n = MultiByteToWideChar(CP_UTF8, MB_ERR_INVALID_CHARS, locator, -1, NULL, 0);
	if (n <= 0) {
		snprintf(msg, sizeof(msg), "failed to load %s (locator is not valid UTF-8)", locator);
		mitm_die(msg);
	}
	wide = (WCHAR *)malloc((size_t)n * sizeof(WCHAR));
	if (wide == NULL) {
		mitm_die("out of memory");
	}
	MultiByteToWideChar(CP_UTF8, 0, locator, -1, wide, n);
	lib = LoadLibraryW(wide);
	free(wide);
	if (lib == NULL) {
		snprintf(msg, sizeof(msg), "failed to load %s (error %lu)", locator, (unsigned long)GetLastError());
		mitm_die(msg);
	}

	for (i = 0; i < MITM_SLOTS; i++) {
		staged[i] = (void *)GetProcAddress(lib, mitm_names[i]);
		if (staged[i] == NULL) {
			snprintf(msg, sizeof(msg), "failed to resolve %s in %s (error %lu)",
				mitm_names[i], locator, (unsigned long)GetLastError());
			mitm_die(msg);
		}
	}
	for (i = 0; i < MITM_SLOTS; i++) {
		*mitm_cells[i] = staged[i];
	}
	mitm_loaded = 1;
}
{{- range .Bindings}}

_Static_assert(__builtin_types_compatible_p(__typeof__(&{{.Export}}), {{.Marker}}),
	"{{.Export}} does not match {{.Marker}}");
{{- end}}
{{- if .InitOnAttach}}

__attribute__((constructor)) static void mitm_attach(void) {
	{{.Init}}();
}
{{- end}}
`

const thunks = `// Code generated by dylibmitm for {{.Library}} ({{.Target}}). DO NOT EDIT.

	.text

{{.Thunks}}	.section .drectve
{{- range .Directives}}
	.ascii "{{.}}"
{{- end}}
`

const glue = `// Code generated by dylibmitm for {{.Library}} ({{.Target}}). DO NOT EDIT.

//go:build windows

package {{.Package}}

/*
#include "{{.Base}}.h"
*/
import "C"

// {{.GoLoad}} opens {{.Library}} and resolves every export of the shim. It must
// complete before any export is called. The process aborts if the library
// cannot be opened or a symbol is missing. Later calls do nothing.
func {{.GoLoad}}() {
	C.{{.Init}}()
}
{{- if .EmitMain}}

func main() {}
{{- end}}
`
