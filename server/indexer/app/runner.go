package app

import (
	"context"

	"photo_server/server/common/bootstrap"
	commonlog "photo_server/server/common/log"
	"photo_server/server/indexer/service"
	synthesis "photo_server/server/synthesis/service"
)

// Runner owns one embedding worker built from opened resources.
type Runner struct {
	worker *service.Worker
}

func NewRunner(opts WorkerOptions, res *bootstrap.Resources, embedder service.ImageEmbedder, describer service.Describer, prompts *synthesis.Prompts) *Runner {
	if !opts.Describe {
		describer = nil
	} else if prompts != nil {
		opts.DescribePrompt = prompts.DescribePrompt()
	}
	return &Runner{worker: service.NewWorker(res.Catalog, res.Store, embedder, describer, res.Feed, opts.Options)}
}

func (r *Runner) Worker() *service.Worker { return r.worker }

func (r *Runner) Run(ctx context.Context) error {
	commonlog.Infof("event=indexer status=started")
	err := r.worker.Run(ctx)
	commonlog.Infof("event=indexer status=stopped")
	return err
}
