package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newAskCommand(opts *options) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question and print the streamed answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			err := opts.client().Ask(cmd.Context(), strings.Join(args, " "), count, func(text string) {
				fmt.Fprint(out, text)
			})
			fmt.Fprintln(out)
			return err
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of photos to consider")
	return cmd
}

func newMetaCommand(opts *options) *cobra.Command {
	var (
		description bool
		vector      bool
	)
	cmd := &cobra.Command{
		Use:   "meta <image_id>",
		Short: "Show a record's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := opts.client().Metadata(cmd.Context(), args[0], description, vector)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(meta)
		},
	}
	cmd.Flags().BoolVar(&description, "description", true, "include the generated description")
	cmd.Flags().BoolVar(&vector, "vector", false, "include the embedding")
	return cmd
}
