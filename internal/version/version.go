// Package version reports the firmware build. Version, Commit and BuildDate
// are set at link time:
//
//	go build -ldflags "-X crosspoint-transfer/internal/version.Version=1.2.0 -X crosspoint-transfer/internal/version.Commit=abcd123"
package version

import (
	"runtime"
	"strings"
)

const Name = "crosspoint-transfer"

var (
	Version   = "1.2.0-dev"
	Commit    = ""
	BuildDate = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	v := strings.TrimSpace(Version)
	if v == "" {
		v = "dev"
	}
	return Info{
		Version:   v,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String is the one-line form printed by -version, e.g.
// "crosspoint-transfer 1.2.0 (abcd123) built 2026-01-10 go1.22.4".
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(Name)
	b.WriteByte(' ')
	b.WriteString(i.Version)
	if i.Commit != "" {
		b.WriteString(" (" + i.Commit + ")")
	}
	if i.BuildDate != "" {
		b.WriteString(" built " + i.BuildDate)
	}
	b.WriteString(" " + i.GoVersion)
	return b.String()
}
