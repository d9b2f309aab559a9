// Package build holds release identification, set with -ldflags at link time.
package build

import "runtime/debug"

// Version is the release tag written into every envelope.
var Version = "0.1.0"

// Revision is the source revision written into every envelope. When not
// set by the linker it falls back to the VCS revision recorded by the Go
// toolchain.
var Revision = ""

// RevisionOrVCS returns Revision, the embedded VCS revision, or "unknown".
func RevisionOrVCS() string {
	if Revision != "" {
		return Revision
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
	}
	return "unknown"
}
