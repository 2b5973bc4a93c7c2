package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// version is set by release builds:
//
//	go build -ldflags "-X github.com/dortort/openclaw-mailguard/internal/cli.version=v0.2.0"
var version = "dev"

var versionShort bool

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print the version string only")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the mailguard build",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b := readBuild(version)
		if versionShort {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), b.Version)
			return err
		}
		return printJSON(cmd.OutOrStdout(), b)
	},
}

type build struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

// readBuild fills in what the linker flag left out from the module's
// embedded build info. A tagged module version wins over "dev".
func readBuild(linked string) build {
	b := build{Name: "mailguard", Version: linked, GoVersion: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Commit = s.Value
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}
