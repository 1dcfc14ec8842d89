package version

import (
	"fmt"
	"io"
	"runtime"
)

// Set at link time with -ldflags "-X .../internal/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// ProtocolVersion is the discovery protocol revision this build speaks.
const ProtocolVersion = "1.0"

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// Print writes the build information for program to w.
func Print(w io.Writer, program string) {
	fmt.Fprintf(w, "%s %s\n", program, Version)
	fmt.Fprintf(w, "  commit:     %s\n", GitCommit)
	fmt.Fprintf(w, "  built:      %s\n", BuildTime)
	fmt.Fprintf(w, "  protocol:   %s\n", ProtocolVersion)
	fmt.Fprintf(w, "  go version: %s\n", GoVersion())
}
