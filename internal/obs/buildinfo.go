package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Build identifies the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "passport_build_info",
			Help: "Passport service build information; constant 1.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// ResolveBuild fills in the commit from the embedded VCS stamp when the
// linker did not set one.
func ResolveBuild(version, commit string) Build {
	b := Build{Version: version, Commit: commit, GoVersion: runtime.Version()}
	if b.Commit != "" && b.Commit != "dev" {
		return b
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				b.Commit = s.Value
				if len(b.Commit) > 12 {
					b.Commit = b.Commit[:12]
				}
			}
		}
	}
	if b.Commit == "" {
		b.Commit = "dev"
	}
	return b
}

// InitBuildInfo registers passport_build_info once and sets it for b.
func InitBuildInfo(b Build) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(b.Version, b.Commit, b.GoVersion).Set(1)
}
