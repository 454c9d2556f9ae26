// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Set with -ldflags "-X github.com/bureau-foundation/canister/lib/version.<Name>=<value>".
var (
	Version   = "0.1.0-dev"
	GitCommit = ""
	GitDirty  = ""
	BuildTime = ""
)

type build struct {
	commit string
	dirty  bool
	time   string
}

// current fills in whatever the linker did not set from the VCS stamp
// the go command embeds.
var current = sync.OnceValue(func() build {
	b := build{commit: GitCommit, dirty: GitDirty == "true", time: BuildTime}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b.withDefaults()
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if b.commit == "" && len(setting.Value) >= 7 {
				b.commit = setting.Value[:7]
			}
		case "vcs.modified":
			if GitDirty == "" {
				b.dirty = setting.Value == "true"
			}
		case "vcs.time":
			if b.time == "" {
				b.time = setting.Value
			}
		}
	}
	return b.withDefaults()
})

func (b build) withDefaults() build {
	if b.commit == "" {
		b.commit = "unknown"
	}
	if b.time == "" {
		b.time = "unknown"
	}
	return b
}

// Info is the --version string: "0.1.0-dev (abc1234-dirty, 2026-...)".
func Info() string {
	b := current()
	dirty := ""
	if b.dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, b.commit, dirty, b.time)
}

// Short returns the version number alone.
func Short() string { return Version }

// Commit returns the short commit the binary was built from, or
// "unknown".
func Commit() string { return current().commit }
