package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const component = "buddyproxy"

// Overridden at build time, e.g.
// -ldflags "-X github.com/lkarlslund/buddyproxy/pkg/version.Version=v1.2.3"
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version"`
}

func Current() Info {
	info := Info{
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		Date:      strings.TrimSpace(Date),
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	return info
}

// Short is the version plus abbreviated commit, e.g. "v1.2.3+0123456789ab".
func Short() string {
	v := Current()
	out := v.Version
	if v.Commit != "" {
		c := v.Commit
		if len(c) > 12 {
			c = c[:12]
		}
		out += "+" + c
	}
	if v.Dirty {
		out += "+dirty"
	}
	return out
}

// UserAgent identifies the proxy on outbound calls.
func UserAgent() string {
	return component + "/" + Current().Version
}

func Detailed() string {
	v := Current()
	out := fmt.Sprintf("%s %s (%s)", component, Short(), v.GoVersion)
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}
