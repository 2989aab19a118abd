// Package version carries the build stamp set through -ldflags, e.g.
// -X lingocore/internal/version.Version=v1.4.0
package version

import (
	"runtime/debug"
)

var (
	// Version is the release tag or "dev"
	Version = "dev"
	// Commit is the git commit hash
	Commit = "dev"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Info is what /v1/version reports and what the telemetry resource is tagged with
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	Modified  bool   `json:"modified,omitempty"`
}

// Get returns the build stamp for a service. A binary built without -ldflags falls back
// to the VCS settings the go toolchain embeds.
func Get(service string) Info {
	info := Info{Service: service, Version: Version, Commit: Commit, BuildTime: BuildTime}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = fillFromSettings(info, bi.Settings)
	}
	return info
}

func fillFromSettings(info Info, settings []debug.BuildSetting) Info {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "dev" && s.Value != "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String is the compact form used in startup logs and the telemetry resource
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	s := i.Version + "+" + commit
	if i.Modified {
		s += ".dirty"
	}
	return s
}
