package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("chunkindex version %s\n", rootCmd.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
