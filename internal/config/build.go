package config

// Set with -ldflags, for example:
//
//	go build -ldflags "-X c2cpipeline/internal/config.version=1.4.0 \
//	    -X c2cpipeline/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
