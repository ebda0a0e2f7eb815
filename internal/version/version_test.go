package version

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"
)

// stashBuildVars snapshots the ldflags-injected variables and restores
// them when the test finishes, so tests can overwrite them freely.
func stashBuildVars(t *testing.T) {
	t.Helper()
	v, c, d, b, ts, bm := Version, Commit, Date, Branch, TreeState, BuildModel
	t.Cleanup(func() {
		Version, Commit, Date, Branch, TreeState, BuildModel = v, c, d, b, ts, bm
	})
}

func TestGetInfo(t *testing.T) {
	stashBuildVars(t)
	Branch = "maint"
	TreeState = "dirty"

	info := GetInfo()

	if info.Version == "" || info.GoVersion == "" || info.BuildModel == "" {
		t.Fatalf("expected populated info, got %+v", info)
	}
	if info.Branch != "maint" || info.TreeState != "dirty" {
		t.Errorf("build vars not carried into info: %+v", info)
	}
	if !strings.Contains(info.Platform, runtime.GOOS) || !strings.Contains(info.Platform, runtime.GOARCH) {
		t.Errorf("platform %q should name OS and arch", info.Platform)
	}
	if info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("os/arch mismatch: %s/%s", info.OS, info.Arch)
	}
}

func TestShortCommit(t *testing.T) {
	stashBuildVars(t)

	tests := []struct {
		name      string
		commit    string
		treeState string
		want      string
	}{
		{"clean tree truncates", "abc123def456789", "clean", "abc123de"},
		{"dirty tree gets a star", "abc123def456789", "dirty", "abc123de*"},
		{"unknown passes through", "unknown", "clean", "unknown"},
		{"short sha passes through", "ab12", "dirty", "ab12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Commit = tt.commit
			TreeState = tt.treeState
			if got := shortCommit(); got != tt.want {
				t.Errorf("shortCommit() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	t.Run("without commit info", func(t *testing.T) {
		stashBuildVars(t)
		Version = "dev"
		Commit = "unknown"

		s := String()
		if !strings.Contains(s, ApplicationName) || !strings.Contains(s, "version dev") {
			t.Errorf("unexpected fallback form: %q", s)
		}
	})

	t.Run("with commit and branch", func(t *testing.T) {
		stashBuildVars(t)
		Version = "1.4.0"
		Commit = "abc123def456789"
		Date = "2025-03-02T08:00:00Z"
		Branch = "main"
		TreeState = "clean"

		s := String()
		for _, want := range []string{"1.4.0", "abc123de", "2025-03-02", "branch: main"} {
			if !strings.Contains(s, want) {
				t.Errorf("String() = %q, missing %q", s, want)
			}
		}
	})
}

func TestShort(t *testing.T) {
	stashBuildVars(t)
	Version = "1.4.0"
	Commit = "abc123def456789"
	TreeState = "dirty"

	if got := Short(); !strings.Contains(got, "1.4.0") || !strings.Contains(got, "(abc123de*)") {
		t.Errorf("Short() = %q", got)
	}

	Commit = "unknown"
	if got := Short(); strings.Contains(got, "(") {
		t.Errorf("Short() without commit should omit the sha, got %q", got)
	}
}

func TestJSON(t *testing.T) {
	stashBuildVars(t)
	Version = "2.1.0"
	Commit = "abc123def456789"
	Branch = "release-2.1"
	TreeState = "clean"

	var info Info
	if err := json.Unmarshal([]byte(JSON()), &info); err != nil {
		t.Fatalf("JSON() is not valid JSON: %v", err)
	}
	if info.Version != "2.1.0" {
		t.Errorf("version = %q", info.Version)
	}
	if info.Commit != "abc123def456789" || info.CommitSHA != "abc123de" {
		t.Errorf("commit fields = %q / %q", info.Commit, info.CommitSHA)
	}
	if info.Branch != "release-2.1" {
		t.Errorf("branch = %q", info.Branch)
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, ApplicationName+"/") {
		t.Errorf("UserAgent() = %q", ua)
	}
}

func TestBuildModelID(t *testing.T) {
	stashBuildVars(t)

	tests := []struct {
		model string
		want  string
	}{
		{"radiarr-dev", "radiarr-dev"},
		{"Radiarr-2025.1", "radiarr-2025.1"},
		{"  RADIARR-BETA  ", "radiarr-beta"},
	}

	for _, tt := range tests {
		BuildModel = tt.model
		if got := BuildModelID(); got != tt.want {
			t.Errorf("BuildModelID() with %q = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestSnapshotAndRelease(t *testing.T) {
	stashBuildVars(t)

	tests := []struct {
		version  string
		snapshot bool
		release  bool
	}{
		{"dev", true, false},
		{"1.0.0", false, true},
		{"1.0.1-SNAPSHOT.abc1234", true, false},
		{"2.0.0-SNAPSHOT.def5678", true, false},
		{"1.2.3-alpha.1", false, true},
	}

	for _, tt := range tests {
		Version = tt.version
		if got := IsSnapshot(); got != tt.snapshot {
			t.Errorf("IsSnapshot() with %q = %v, want %v", tt.version, got, tt.snapshot)
		}
		if got := IsRelease(); got != tt.release {
			t.Errorf("IsRelease() with %q = %v, want %v", tt.version, got, tt.release)
		}
	}
}
