package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/lazypower/diarist/internal/llm"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

type buildInfo struct {
	Version   string            `json:"version"`
	Commit    string            `json:"commit"`
	BuildDate string            `json:"build_date"`
	GoVersion string            `json:"go_version"`
	Prompts   map[string]string `json:"prompts"`
}

func currentBuild() buildInfo {
	return buildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Prompts: map[string]string{
			"block":    llm.BlockPromptVersion,
			"memory":   llm.MemoryPromptVersion,
			"contract": llm.ContractPromptVersion,
		},
	}
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and prompt versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := currentBuild()
		if versionJSON {
			return printJSON(cmd.OutOrStdout(), info)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "diarist %s (commit: %s, built: %s, %s)\n",
			info.Version, info.Commit, info.BuildDate, info.GoVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "prompts: block=%s memory=%s contract=%s\n",
			llm.BlockPromptVersion, llm.MemoryPromptVersion, llm.ContractPromptVersion)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
}

// VersionString is the short form reported by the health endpoint.
func VersionString() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
