// Package version carries the build identity reported in the startup log,
// the health endpoint, and the MCP client handshake.
package version

import "runtime/debug"

// AppName is the service name reported alongside the commit.
const AppName = "steward"

// commit may be stamped at build time:
//
//	go build -ldflags "-X github.com/parleyhq/steward/pkg/version.commit=$(git rev-parse HEAD)"
//
// When empty, the commit comes from the VCS metadata the toolchain embeds,
// and "dev" stands in for builds that have neither (go test, tarball builds).
var commit string

// GitCommit is the short commit hash identifying this build, or "dev".
var GitCommit = resolve()

// Full renders "steward/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}

func resolve() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, kv := range info.Settings {
			if kv.Key == "vcs.revision" && kv.Value != "" {
				return short(kv.Value)
			}
		}
	}
	return "dev"
}

// short trims a full revision to the familiar 8-char form.
func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
