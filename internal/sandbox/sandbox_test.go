package sandbox

import "testing"

func TestReadFileMaxParsesProcSysValue(t *testing.T) {
	v, err := readFileMax()
	if err != nil {
		t.Fatalf("readFileMax: %v", err)
	}
	if v == 0 {
		t.Fatalf("fs.file-max read as 0, expected a positive ceiling")
	}
}

func TestAllowedSyscallsHasNoDuplicates(t *testing.T) {
	seen := make(map[string]bool, len(AllowedSyscalls))
	for _, name := range AllowedSyscalls {
		if seen[name] {
			t.Fatalf("duplicate syscall name in allowlist: %s", name)
		}
		seen[name] = true
	}
}
