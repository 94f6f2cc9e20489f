// Package versions exposes build information of the socrata-cache binary.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const unknown = "unknown"

// Set at build time with -ldflags "-X github.com/stacklok/socrata-cache/internal/versions.Version=..."
var (
	Version = "dev"
	//nolint:goconst // placeholder replaced at build time
	Commit = unknown
	//nolint:goconst // placeholder replaced at build time
	BuildDate = unknown
)

// Info describes the running build
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information, filling gaps of development builds from
// the VCS stamps embedded by the Go toolchain
func Get() Info {
	return resolve(Version, Commit, BuildDate, vcsSettings())
}

// String renders the info on one line
func (i Info) String() string {
	return fmt.Sprintf("socrata-cache %s (commit %s, built %s, %s %s)",
		i.Version, i.Commit, i.BuildDate, i.GoVersion, i.Platform)
}

func vcsSettings() map[string]string {
	settings := make(map[string]string)
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return settings
	}
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			settings[s.Key] = s.Value
		}
	}
	return settings
}

func resolve(version, commit, buildDate string, vcs map[string]string) Info {
	if strings.HasPrefix(version, "dev") {
		if commit == unknown && vcs["vcs.revision"] != "" {
			commit = vcs["vcs.revision"]
		}
		if buildDate == unknown && vcs["vcs.time"] != "" {
			buildDate = vcs["vcs.time"]
		}
	}

	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 MST")
	}

	if version == "dev" && commit != unknown {
		version = "build-" + commit[:min(8, len(commit))]
	}

	return Info{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
