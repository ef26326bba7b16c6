// Package exports reads the named entries of a Windows PE export directory.
//
// Two directory variants are supported, selected by the target's pointer
// width: PE32 images (optional header magic 0x10b) for 32-bit targets and
// PE32+ images (magic 0x20b) for 64-bit targets. Headers and sections are
// parsed with github.com/Binject/debug/pe; the export directory itself is
// walked here so every malformed entry can be reported by its positional
// index.
package exports
