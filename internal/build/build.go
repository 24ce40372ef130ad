// Package build provides variables that are set at build time with the
// -X ldflag. Values not given at build time are determined from
// [debug.ReadBuildInfo].
package build

import (
	"regexp"
	"runtime/debug"
	"sync"
)

var (
	pkg       string
	version   string
	buildTime string
)

var once sync.Once

func semver(v string) string {
	loc := regexp.MustCompile(`v?\d+(\.\d+){0,2}`).FindStringIndex(v)
	if loc == nil {
		return v
	}

	return v[loc[0]:loc[1]]
}

func load() {
	if pkg != "" && version != "" && buildTime != "" {
		version = semver(version)
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if pkg == "" {
		pkg = info.Main.Path
	}

	if version == "" {
		version = info.Main.Version
	}

	if buildTime == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.time" {
				buildTime = s.Value
				if buildTime != "" && buildTime[len(buildTime)-1] == 'Z' {
					buildTime = buildTime[:len(buildTime)-1] + "+00:00"
				}

				break
			}
		}
	}
}

// Package returns the main module path.
func Package() string {
	once.Do(load)
	return pkg
}

// Version returns the build version.
func Version() string {
	once.Do(load)
	return version
}

// BuildTime returns the VCS commit time of the build.
func BuildTime() string {
	once.Do(load)
	return buildTime
}
