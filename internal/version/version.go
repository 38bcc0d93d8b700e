package version

import (
	"encoding/json"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	GitCommit  string
	GitBranch  string
	GitSummary string
	BuildDate  string
	AppVersion string
	GoVersion  = runtime.Version()
)

type Version struct {
	GitCommit  string `json:"git_commit"`
	GitBranch  string `json:"git_branch"`
	GitSummary string `json:"git_summary"`
	BuildDate  string `json:"build_date"`
	AppVersion string `json:"app_version"`
	GoVersion  string `json:"go_version"`
}

func Current() *Version {
	return &Version{
		GitBranch:  GitBranch,
		GitCommit:  GitCommit,
		GitSummary: GitSummary,
		BuildDate:  BuildDate,
		AppVersion: AppVersion,
		GoVersion:  GoVersion,
	}
}

func (v *Version) AsMap() (map[string]interface{}, error) {
	vBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	m := map[string]interface{}{}
	if err := json.Unmarshal(vBytes, &m); err != nil {
		return nil, err
	}

	return m, nil
}

// ExportBuildInfoMetric exports a metric with the build information.
func ExportBuildInfoMetric() {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_build_info",
			Help: "A metric with a constant '1' value, labeled by branch, commit, summary, builddate, version from which the binary was built.",
		},
		[]string{"branch", "commit", "summary", "builddate", "version", "goversion"},
	)

	prometheus.MustRegister(buildInfo)

	buildInfo.WithLabelValues(GitBranch, GitCommit, GitSummary, BuildDate, AppVersion, GoVersion).Set(1)
}
