package cmd

import (
	"fmt"
	"runtime"

	"github.com/kozaktomas/photo-tagger/internal/metastore"
	"github.com/kozaktomas/photo-tagger/internal/vectorstore"
	"github.com/spf13/cobra"
)

// Set with -ldflags "-X github.com/kozaktomas/photo-tagger/cmd.Version=...".
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and snapshot format versions",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("photo-tagger %s (%s, built %s)\n", Version, CommitSHA, BuildDate)
		fmt.Printf("  Go:              %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Printf("  Index snapshot:  v%d\n", vectorstore.SnapshotVersion)
		fmt.Printf("  Metadata schema: v%d\n", metastore.SchemaVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
