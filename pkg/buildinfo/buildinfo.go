// Package buildinfo resolves version metadata for the shardexec binary.
//
// Values injected with -ldflags win. Anything not injected falls back to
// the VCS settings that runtime/debug.ReadBuildInfo() embeds in builds
// from a git checkout.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
)

type Info struct {
	Version  string // "v1.2.3", or "dev"
	Commit   string // full commit hash, or "unknown"
	Date     string // RFC3339, or "unknown"
	Modified bool   // working tree was dirty
	GoVer    string
}

// String formats the info as a single version line for the named binary,
// e.g. "shardexec v1.2.3 (commit abc123def456, built 2026-02-25T00:00:00Z, go1.26.1)".
func (i Info) String(name string) string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if i.Modified {
		commit += "-dirty"
	}
	details := []string{"commit " + commit, "built " + i.Date}
	if i.GoVer != "" {
		details = append(details, i.GoVer)
	}
	return fmt.Sprintf("%s %s (%s)", name, i.Version, strings.Join(details, ", "))
}

var (
	ldflagsVersion string
	ldflagsCommit  string
	ldflagsDate    string

	once   sync.Once
	cached Info
)

// Set records the -ldflags values. main calls it before anything calls Get:
//
//	go build -ldflags "-X main.version=v1.2.3 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/shardexec
func Set(version, commit, date string) {
	ldflagsVersion = version
	ldflagsCommit = commit
	ldflagsDate = date
}

// Get resolves the build info once and caches it.
func Get() Info {
	once.Do(func() {
		cached = resolve()
	})
	return cached
}

func resolve() Info {
	info := Info{Version: "dev", Commit: "unknown", Date: "unknown"}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVer = bi.GoVersion
		// go install of a tagged module
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			info.Version = v
		}
		vcs := make(map[string]string, len(bi.Settings))
		for _, s := range bi.Settings {
			vcs[s.Key] = s.Value
		}
		info.Commit = firstNonEmpty(vcs["vcs.revision"], info.Commit)
		info.Date = firstNonEmpty(vcs["vcs.time"], info.Date)
		info.Modified = vcs["vcs.modified"] == "true"
	}
	info.Version = firstNonEmpty(ldflagsVersion, info.Version)
	info.Commit = firstNonEmpty(ldflagsCommit, info.Commit)
	info.Date = firstNonEmpty(ldflagsDate, info.Date)
	return info
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
