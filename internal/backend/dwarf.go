package backend

import (
	"debug/elf"
	"debug/macho"
)

// HasLineDebugInfo reports whether the binary at path carries DWARF line
// tables. Without them source-level breakpoints resolve to nothing, so the
// caller can warn (or refuse to start in strict mode).
func HasLineDebugInfo(path string) bool {
	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		return machoHasDebugLine(f)
	}
	if fat, err := macho.OpenFat(path); err == nil {
		defer fat.Close()
		for _, arch := range fat.Arches {
			if machoHasDebugLine(arch.File) {
				return true
			}
		}
		return false
	}
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		return f.Section(".debug_line") != nil || f.Section(".zdebug_line") != nil
	}
	return false
}

func machoHasDebugLine(f *macho.File) bool {
	for _, section := range f.Sections {
		if section.Name == "__debug_line" {
			return true
		}
	}
	return false
}
