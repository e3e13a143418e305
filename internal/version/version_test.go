package version

import (
	"runtime"
	"testing"
)

func TestString(t *testing.T) {
	i := Info{Version: "1.2.0", Commit: "abcd123", BuildDate: "2026-01-10", GoVersion: "go1.22.4"}
	if got, want := i.String(), "crosspoint-transfer 1.2.0 (abcd123) built 2026-01-10 go1.22.4"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	i = Info{Version: "1.2.0", GoVersion: "go1.22.4"}
	if got, want := i.String(), "crosspoint-transfer 1.2.0 go1.22.4"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestGetDefaultsToDev(t *testing.T) {
	old := Version
	defer func() { Version = old }()
	Version = " "
	if got := Get(); got.Version != "dev" || got.GoVersion != runtime.Version() {
		t.Errorf("Get() = %+v", got)
	}
}
