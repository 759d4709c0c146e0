package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/aihub/knowledge-pipeline/app/bootstrap"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "pipeline",
	Short:         "Knowledge ingestion and embedding pipeline",
	Long:          `Slices uploaded files into knowledge chunks through the AIUI or CBG engine and embeds them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// newApp 子命令共用的启动逻辑，测试中可替换
var newApp = bootstrap.Init

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func parseFileIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid file id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
