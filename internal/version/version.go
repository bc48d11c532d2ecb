package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/veneer"

// buildVersion is set via -ldflags "-X pkt.systems/veneer/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module   string
	Version  string
	Revision string
	Dirty    bool
}

// String renders "module version".
func (i Info) String() string {
	return fmt.Sprintf("%s %s", i.Module, i.Version)
}

// Read collects version information from ldflags and embedded build info.
func Read() Info {
	info := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		info.Revision, info.Dirty = vcsRevision(bi)
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			info.Version = v
		} else if v := pseudoVersion(bi); v != "" {
			info.Version = v
		}
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		info.Version = v
	}
	return info
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

func vcsRevision(bi *debug.BuildInfo) (string, bool) {
	var revision string
	var dirty bool
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return revision, dirty
}

func pseudoVersion(bi *debug.BuildInfo) string {
	revision, dirty := vcsRevision(bi)
	var vcsTime string
	for _, setting := range bi.Settings {
		if setting.Key == "vcs.time" {
			vcsTime = setting.Value
		}
	}
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		ver += "+dirty"
	}
	return ver
}
