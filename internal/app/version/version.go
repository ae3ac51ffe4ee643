// Package version reports the build the process is running.
package version

import "runtime/debug"

// Overridden with -ldflags "-X proxyharvest/internal/app/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

type Info struct {
	BuildVersion string `json:"build_version"`
	BuiltAt      string `json:"built_at"`
	GoVersion    string `json:"go_version"`
	Revision     string `json:"revision,omitempty"`
}

func Get() Info {
	info := Info{BuildVersion: buildVersion, BuiltAt: builtAt}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = build.GoVersion
	for _, setting := range build.Settings {
		if setting.Key == "vcs.revision" {
			info.Revision = setting.Value
		}
	}
	return info
}
