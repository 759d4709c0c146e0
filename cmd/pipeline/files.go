package main

import (
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/spf13/cobra"
)

var sliceCmd = &cobra.Command{
	Use:   "slice [file-id...]",
	Short: "Slice files into preview chunks",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSlice,
}

var retryCmd = &cobra.Command{
	Use:   "retry [file-id...]",
	Short: "Retry files that failed slicing or embedding",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRetry,
}

var embedCmd = &cobra.Command{
	Use:   "embed [file-id]",
	Short: "Embed the preview chunks of a sliced file",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmbed,
}

var (
	sliceMin       int
	sliceMax       int
	sliceSeparator []string
	sliceEmbed     bool
)

func init() {
	sliceCmd.Flags().IntVar(&sliceMin, "min", 0, "Minimum chunk length, uses the file's last config when unset")
	sliceCmd.Flags().IntVar(&sliceMax, "max", 0, "Maximum chunk length")
	sliceCmd.Flags().StringSliceVar(&sliceSeparator, "separator", nil, "Chunk separators")
	sliceCmd.Flags().BoolVar(&sliceEmbed, "embed", false, "Embed immediately after slicing a single file")

	rootCmd.AddCommand(sliceCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(embedCmd)
}

// sliceConfigFromFlags 未指定长度范围时返回nil，沿用文件上次的配置
func sliceConfigFromFlags() *models.SliceConfig {
	if sliceMin == 0 && sliceMax == 0 {
		return nil
	}
	return &models.SliceConfig{
		LengthRange: []int{sliceMin, sliceMax},
		Separators:  sliceSeparator,
	}
}

func runSlice(cmd *cobra.Command, args []string) error {
	ids, err := parseFileIDs(args)
	if err != nil {
		return err
	}
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	if len(ids) == 1 {
		result, err := app.Pipeline.SliceOne(cmd.Context(), ids[0], sliceConfigFromFlags(), sliceEmbed)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	}

	result, err := app.Pipeline.SliceMany(cmd.Context(), ids, sliceConfigFromFlags())
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func runRetry(cmd *cobra.Command, args []string) error {
	ids, err := parseFileIDs(args)
	if err != nil {
		return err
	}
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	result, err := app.Pipeline.Retry(cmd.Context(), ids, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func runEmbed(cmd *cobra.Command, args []string) error {
	ids, err := parseFileIDs(args)
	if err != nil {
		return err
	}
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	result, err := app.Pipeline.EmbedOne(cmd.Context(), ids[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}
