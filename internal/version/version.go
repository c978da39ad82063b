// Package version carries the crunchyd build identity, injected with
//
//	go build -ldflags "-X github.com/avaropoint/crunchy/internal/version.Version=1.2.0 \
//	    -X github.com/avaropoint/crunchy/internal/version.BuildTime=2026-10-17T00:00:00Z"
package version

import "fmt"

// Set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// String returns the one-line build identity of a binary.
func String(binary string) string {
	return fmt.Sprintf("%s %s (built %s)", binary, Version, BuildTime)
}
