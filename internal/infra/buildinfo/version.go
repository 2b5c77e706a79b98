// Package buildinfo reports the version cntreectl stamps into its output.
// The version string may be injected at link time; everything else (VCS
// revision, commit time, dirty flag, Go version) is read from the build
// metadata the toolchain already embeds, so a plain `go build` produces a
// fully populated report without any ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Version may be overridden at link time:
//
//	go build -ldflags "-X github.com/cnkv/cntree/internal/infra/buildinfo.Version=v1.2.0"
//
// When left empty, the module version recorded by the toolchain is used.
var Version string

// Info is one resolved build report.
type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

var (
	once     sync.Once
	resolved Info
)

// Get resolves the build report once and caches it.
func Get() Info {
	once.Do(func() {
		resolved = Info{Version: Version, GoVersion: runtime.Version()}

		bi, ok := debug.ReadBuildInfo()
		if !ok {
			if resolved.Version == "" {
				resolved.Version = "devel"
			}
			return
		}
		if resolved.Version == "" {
			resolved.Version = bi.Main.Version
			if resolved.Version == "" || resolved.Version == "(devel)" {
				resolved.Version = "devel"
			}
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				resolved.Revision = s.Value
			case "vcs.time":
				resolved.BuildTime = s.Value
			case "vcs.modified":
				resolved.Dirty = s.Value == "true"
			}
		}
	})
	return resolved
}

// String formats the report the way cntreectl's --version prints it.
func (i Info) String() string {
	rev := i.Revision
	if rev == "" {
		rev = "unknown"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	s := fmt.Sprintf("%s (%s, %s)", i.Version, rev, i.GoVersion)
	if i.Dirty {
		s += " dirty"
	}
	return s
}

// String is shorthand for Get().String().
func String() string {
	return Get().String()
}
