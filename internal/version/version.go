// Package version provides build-time version information for radiarr.
//
// Version, Commit, Date, Branch, TreeState and BuildModel are injected at
// build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/radiarr/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/radiarr/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/radiarr/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

// Build-time variables injected via ldflags.
var (
	// Version is the semantic version following SemVer 2.0.0.
	// Release format: "1.2.3"
	// Prerelease format: "1.2.3-SNAPSHOT.abc1234" (next patch + SNAPSHOT + short SHA)
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"

	// Branch is the git branch the build was cut from.
	Branch = "unknown"

	// TreeState is "clean" or "dirty" depending on uncommitted changes.
	TreeState = "unknown"

	// BuildModel identifies this build generation to the streaming
	// backend. It is sent as the security_model query parameter and
	// checked against the authorization TXT record, so it must match one
	// of the tokens published there. Always lowercase.
	BuildModel = "radiarr-dev"
)

// Runtime constants.
var (
	// GoVersion is the Go runtime version.
	GoVersion = runtime.Version()
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "radiarr"

// Info contains structured version information.
type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitSHA  string `json:"commit_sha"`
	Date       string `json:"date"`
	Branch     string `json:"branch"`
	TreeState  string `json:"tree_state"`
	BuildModel string `json:"build_model"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	return Info{
		Version:    Version,
		Commit:     Commit,
		CommitSHA:  shortCommit(),
		Date:       Date,
		Branch:     Branch,
		TreeState:  TreeState,
		BuildModel: BuildModel,
		GoVersion:  GoVersion,
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}
}

// shortCommit returns the first 8 characters of the commit SHA, with a
// trailing "*" when the tree was dirty at build time.
func shortCommit() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return Commit
	}
	sha := Commit[:8]
	if TreeState == "dirty" {
		sha += "*"
	}
	return sha
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if Commit != "unknown" && len(Commit) >= 8 {
		s := fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, shortCommit(), info.Date, info.GoVersion, info.Platform)
		if Branch != "unknown" && Branch != "" {
			s += fmt.Sprintf(" (branch: %s)", Branch)
		}
		return s
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns a short version string suitable for CLI --version output.
func Short() string {
	if Commit != "unknown" && len(Commit) >= 8 {
		return fmt.Sprintf("%s %s (%s)", ApplicationName, Version, shortCommit())
	}
	return fmt.Sprintf("%s %s", ApplicationName, Version)
}

// JSON returns the version information as a JSON document.
func JSON() string {
	b, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// UserAgent returns a User-Agent string for HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ApplicationName, Version)
}

// BuildModelID returns the lowercase build model identifier used for
// authorization checks and upstream query parameters.
func BuildModelID() string {
	return strings.ToLower(strings.TrimSpace(BuildModel))
}

// IsSnapshot returns true if this is a snapshot/prerelease build.
// Snapshots use SemVer prerelease format: X.Y.Z-SNAPSHOT.commitsha
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}

// IsRelease returns true if this is a tagged release build.
func IsRelease() bool {
	return !IsSnapshot() && Version != "dev"
}
