package version

// Version is set at build time: -ldflags "-X rs_osprobe/internal/version.Version=v1.2.3"
var Version = "dev"
