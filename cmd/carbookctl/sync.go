package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"carbook/internal/auth"
	"carbook/internal/backend"
	applog "carbook/internal/log"
	"carbook/internal/worker"
)

func (a *app) resyncCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Export pending records to the sheet now",
		Long: `Export every record still waiting for the sheet export.

With --user, that user's records are first marked pending again so the
whole history is rewritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if email != "" {
				u, repo, err := a.lookupUser(cmd, email)
				if err != nil {
					return err
				}
				n, err := repo.ResetSync(ctx, u.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "marked %d records of %s pending\n", n, u.Email)
			}

			b, err := backend.NewFactory(a.logger.Logger).CreateBackend(ctx, a.cfg, backend.Options{Exporter: true})
			if err != nil {
				return err
			}
			defer b.Cleanup()

			mailer := auth.LogMailer{Logger: a.logger.WithComponent(applog.ComponentMail).Logger}
			w := worker.NewSyncWorker(b.Repo, b.Exporter, b.Bucket, mailer, a.cfg.SyncBatchSize)
			total := 0
			for {
				n, err := w.ProcessPending(ctx)
				total += n
				if err != nil {
					return err
				}
				if n > 0 {
					continue
				}
				// A pass with no exports turned its batch into failures; carry
				// on while records that were never attempted remain.
				left, err := b.Repo.CountPendingSync(ctx)
				if err != nil {
					return err
				}
				if left == 0 {
					break
				}
			}
			fmt.Fprintf(a.out, "exported %d records\n", total)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "user", "u", "", "Re-export all records of this user")
	return cmd
}
