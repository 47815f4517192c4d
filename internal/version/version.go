package version

// Version is the build version, overridden at link time with
// -ldflags "-X github.com/vbrwatch/vbr-monitor/internal/version.Version=...".
var Version = "dev"
