// Command carbookctl administers a carbook installation: migrations, user
// accounts, record listings, CSV export and sheet re-sync.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"carbook/internal/backend"
	"carbook/internal/cli"
	"carbook/internal/config"
	applog "carbook/internal/log"
	"carbook/internal/storage"
)

// app carries what every subcommand needs. The repository is opened on
// first use so commands that never touch it stay cheap.
type app struct {
	in      io.Reader
	out     io.Writer
	verbose bool

	cfg    *config.Config
	logger *applog.Logger
	repo   *storage.Repository
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: in, out: out}

	root := &cobra.Command{
		Use:           "carbookctl",
		Short:         "Administer a carbook installation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cli.LoadEnvFile()
			cfg, err := cli.LoadAndValidateConfig()
			if err != nil {
				return err
			}
			a.cfg = cfg
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = applog.New(applog.Config{Level: level, Component: "ctl", Output: errOut})
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.repo != nil {
				return a.repo.Close()
			}
			return nil
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging on stderr")

	root.AddCommand(
		a.migrateCmd(),
		a.userCmd(),
		a.vehiclesCmd(),
		a.recordsCmd(),
		a.exportCmd(),
		a.resyncCmd(),
	)
	return root
}

func (a *app) repository() (*storage.Repository, error) {
	if a.repo == nil {
		repo, err := backend.OpenRepository(a.cfg)
		if err != nil {
			return nil, err
		}
		a.repo = repo
	}
	return a.repo, nil
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the repository migrates it.
			repo, err := a.repository()
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s database is up to date at schema version %d\n", repo.Dialect(), repo.SchemaVersion())
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
