package version

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/relayscan/relayscan/internal/text"
)

const osReleasePath = "/etc/os-release"

type Info struct {
	Build   Build   `json:"build" text:"Build"`
	Runtime Runtime `json:"runtime" text:"Runtime"`
}

type Build struct {
	GoVersion string `json:"goVersion" text:"Go Version"`
	Version   string `json:"version" text:"Version"`
	Commit    string `json:"commit,omitempty" text:"Commit"`
}

type Runtime struct {
	Distro string `json:"distro" text:"Distribution"`
	OS     string `json:"os" text:"OS"`
	Arch   string `json:"arch" text:"Architecture"`
	CPUs   int    `json:"cpus" text:"CPUs"`
}

func (i Info) String() string {
	s, err := text.Marshal(i)
	if err != nil {
		return err.Error()
	}
	return s
}

// UserAgent returns the product token sent to relays.
func (i Info) UserAgent() string {
	return "relayscan/" + i.Build.Version
}

// Load reads build information from the binary and the distribution name
// from the filesystem. Missing build information results in a devel version.
func Load(fs afero.Fs) Info {
	info := Info{
		Build: Build{
			GoVersion: runtime.Version(),
			Version:   develVersion,
		},
		Runtime: Runtime{
			Distro: getDistro(fs),
			OS:     runtime.GOOS,
			Arch:   runtime.GOARCH,
			CPUs:   runtime.NumCPU(),
		},
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	modified := false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Build.Commit = s.Value
		case "vcs.modified":
			modified, _ = strconv.ParseBool(s.Value)
		}
	}
	info.Build.Version = getVersion(bi.Main.Version, modified)
	return info
}

const develVersion = "devel"

func getDistro(fs afero.Fs) string {
	unknownDistro := "unknown"
	b, err := afero.ReadFile(fs, osReleasePath)
	if err != nil {
		return unknownDistro
	}
	for line := range strings.SplitSeq(string(b), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(line[len("PRETTY_NAME="):], `"`)
		}
	}
	return unknownDistro
}

func getVersion(mainVersion string, modified bool) string {
	if modified || mainVersion == "" || mainVersion == "(devel)" {
		return develVersion
	}
	return mainVersion
}
