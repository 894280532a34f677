package version

import (
	"fmt"
	"runtime"
)

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String describes the running binary.
func String() string {
	return fmt.Sprintf("keyfleet %s (%s %s/%s)", Build, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
