// Package version reports what build is running. Release builds stamp the variables below
// with -ldflags "-X github.com/lkarlslund/kotoba/pkg/version.Version=v1.2.3"; other builds
// fall back to the VCS settings the Go toolchain embeds.
package version

import (
	"runtime/debug"
	"strings"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

const name = "kotoba"

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"goVersion,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
		Dirty:   isTrue(Dirty),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	vcs := make(map[string]string, len(bi.Settings))
	for _, s := range bi.Settings {
		vcs[s.Key] = strings.TrimSpace(s.Value)
	}
	info.Commit = firstNonEmpty(info.Commit, vcs["vcs.revision"])
	info.Date = firstNonEmpty(info.Date, vcs["vcs.time"])
	info.Dirty = info.Dirty || isTrue(vcs["vcs.modified"])
	return info
}

// String is version[+commit12][+dirty].
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Version)
	if c := i.Commit; c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		b.WriteString("+" + c)
	}
	if i.Dirty {
		b.WriteString("+dirty")
	}
	return b.String()
}

func String() string { return Current().String() }

// UserAgent is sent on outbound upstream requests.
func UserAgent() string { return name + "/" + String() }

// Banner is the output of the version command.
func Banner() string {
	i := Current()
	out := name + " " + i.String()
	if i.Date != "" {
		out += "\nbuilt " + i.Date
	}
	if i.GoVersion != "" {
		out += "\n" + i.GoVersion
	}
	return out
}

func isTrue(v string) bool { return strings.EqualFold(strings.TrimSpace(v), "true") }

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
