// Package cli is the photoctl operator tool: upload captures, ask questions
// and inspect records against a running photo API.
package cli

import (
	"time"

	"github.com/spf13/cobra"

	cmnenv "photo_server/server/common/env"
)

type options struct {
	server  string
	timeout time.Duration
}

func (o *options) client() *Client {
	return NewClient(o.server, o.timeout)
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "photoctl",
		Short: "Operate the photo capture pipeline",
		Long: `photoctl talks to the photo API.

Example usage:
  photoctl upload ./captures --location kitchen   # Upload a directory
  photoctl ask "who made coffee this morning?"    # Stream an answer
  photoctl meta 3f0c...                           # Show a record`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", cmnenv.String("PHOTOCTL_SERVER", "http://localhost:8000"), "photo API base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 3*time.Minute, "HTTP timeout per request")

	root.AddCommand(newUploadCommand(opts), newAskCommand(opts), newMetaCommand(opts))
	return root
}
