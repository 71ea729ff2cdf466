// Package version holds build information injected with -ldflags
package version

import (
	"fmt"
	"runtime"
)

// Set at link time:
//
//	-X github.com/earthdata-download/edd/internal/version.Version=1.2.0
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build description reported by the CLI and /api/info
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the current build information
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	if i.GitCommit != "unknown" {
		return fmt.Sprintf("%s (commit %s)", i.Version, i.GitCommit)
	}
	return i.Version
}

// FullString is the multi-line form printed by `edd version`
func (i Info) FullString() string {
	return fmt.Sprintf("edd %s\nGit Commit: %s\nBuild Date: %s\nGo Version: %s\nPlatform: %s",
		i.Version, i.GitCommit, i.BuildDate, i.GoVersion, i.Platform)
}
