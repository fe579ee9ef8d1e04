package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Overridden with -ldflags "-X github.com/lazypower/grove/internal/cli.Version=...".
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if versionShort {
			fmt.Fprintln(out, Version)
			return
		}
		commit, built := buildStamp()
		fmt.Fprintf(out, "grove %s\n  commit: %s\n  built:  %s\n  go:     %s\n", Version, commit, built, runtime.Version())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print only the version")
}

// buildStamp returns the commit and build time, falling back to the VCS
// stamp the go tool embeds when ldflags were not set.
func buildStamp() (commit, built string) {
	commit, built = Commit, BuildDate
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && commit == "":
				commit = s.Value
			case s.Key == "vcs.time" && built == "":
				built = s.Value
			}
		}
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		commit = "unknown"
	}
	if built == "" {
		built = "unknown"
	}
	return commit, built
}

// VersionString is the version reported by the health endpoint.
func VersionString() string {
	commit, _ := buildStamp()
	return Version + " (" + commit + ")"
}
