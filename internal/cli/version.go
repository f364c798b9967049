package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// Version information - set at build time
	Version   = "0.1.0"
	GitCommit = "dev"
	BuildDate = "unknown"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the version, git commit, and build date of seedstream.`,
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Seedstream\n")
		fmt.Fprintf(w, "  Version:    %s\n", Version)
		fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
		fmt.Fprintf(w, "  Build Date: %s\n", BuildDate)
		fmt.Fprintf(w, "  Go Version: %s\n", runtime.Version())
		fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
