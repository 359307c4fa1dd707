// Package version holds build metadata of the concache binary.
package version

import (
	"runtime/debug"
)

const unknown = "<unknown>"

// Build metadata, overridden with -ldflags "-X".
var (
	Version = "dev"
	Commit  = unknown
	Date    = unknown
)

// InitBinaryVersion fills metadata left at defaults from the Go build info.
func InitBinaryVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if Commit == unknown {
				Commit = setting.Value
			}
		case "vcs.time":
			if Date == unknown {
				Date = setting.Value
			}
		}
	}
}

// String renders the metadata for humans.
func String() string {
	return Version + " (commit: " + Commit + ", built: " + Date + ")"
}
