// Package version reports the version of the guestjit module a binary was built with.
package version

import (
	"runtime/debug"
	"strings"
)

// Default is returned when the version cannot be read from the build information, such as in
// tests or builds outside of a module.
const Default = "dev"

const modulePath = "github.com/tetratelabs/guestjit"

// GetVersion returns the version of guestjit, either as the main module or a dependency.
func GetVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Default
	}
	return versionOf(info)
}

func versionOf(info *debug.BuildInfo) string {
	if info.Main.Path == modulePath {
		return normalize(info.Main.Version)
	}
	for _, dep := range info.Deps {
		if dep.Path != modulePath {
			continue
		}
		if dep.Replace != nil {
			return normalize(dep.Replace.Version)
		}
		return normalize(dep.Version)
	}
	return Default
}

func normalize(v string) string {
	// "(devel)" is reported for the main module when built from a checkout.
	if v == "" || strings.HasPrefix(v, "(") {
		return Default
	}
	return v
}
