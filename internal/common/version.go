package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetFullVersion returns the complete version string
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// LoadVersionFromFile reads a .version file next to the executable and
// overrides the compiled-in version when present.
func LoadVersionFromFile() {
	execPath, err := os.Executable()
	if err != nil {
		return
	}

	versionFile := filepath.Join(filepath.Dir(execPath), ".version")
	data, err := os.ReadFile(versionFile)
	if err != nil {
		return
	}

	if v := strings.TrimSpace(string(data)); v != "" {
		Version = v
	}
}
