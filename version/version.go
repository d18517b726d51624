package version

import "runtime/debug"

// These vars are set at build time via:
//
//	go build -ldflags "-X pgrelay/version.Tag=v1.0.0 -X pgrelay/version.GitCommit=abc1234 -X pgrelay/version.BuildTime=2026-08-01T00:00:00Z"
var (
	Tag       = "dev"
	GitCommit = "" // empty = auto-detect from build info
	BuildTime = "" // empty = auto-detect from build info
)

// Server returns the value the emulator reports as the server_version
// run-time parameter. Clients parse this, so it has to look like a real
// Postgres version.
func Server() string {
	return "15.0"
}

func String() string {
	commit, buildTime := GitCommit, BuildTime
	if commit == "" || buildTime == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					if commit == "" && len(s.Value) >= 8 {
						commit = s.Value[:8]
					}
				case "vcs.time":
					if buildTime == "" {
						buildTime = s.Value
					}
				}
			}
		}
	}
	if commit == "" {
		commit = "unknown"
	}
	if buildTime == "" {
		buildTime = "unknown"
	}
	return "pgrelay " + Tag + " (commit " + commit + ", built " + buildTime + ")"
}
