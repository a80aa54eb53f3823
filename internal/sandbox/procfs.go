package sandbox

import (
	"os"
	"strconv"
	"strings"
)

// readFileMax reads the host's fs.file-max ceiling, used as the basis for
// the default RLIMIT_NOFILE computation.
func readFileMax() (uint64, error) {
	b, err := os.ReadFile("/proc/sys/fs/file-max")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}
