// Command hyadminctl runs operator tasks against the hyadmin database.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/ninjaorg/hyadmin/internal/ai"
	"github.com/ninjaorg/hyadmin/internal/auth"
	"github.com/ninjaorg/hyadmin/internal/config"
	"github.com/ninjaorg/hyadmin/internal/store"
	"github.com/ninjaorg/hyadmin/pkg/models"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	databaseURL   string
	migrationsDir string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "hyadminctl: load .env: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hyadminctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:          "hyadminctl",
		Short:        "hyadmin operator CLI",
		Long:         `hyadminctl applies schema migrations, manages operator accounts and times out stuck parse jobs.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL (defaults to $DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.migrationsDir, "migrations", "migrations", "Directory holding the SQL migrations")
	cmd.AddCommand(
		newMigrateCmd(opts),
		newUserCmd(opts),
		newHashPasswordCmd(),
		newSweepTimeoutsCmd(opts),
	)
	return cmd
}

func (o *globalOptions) requireDatabaseURL() error {
	if o.databaseURL == "" {
		return errors.New("database URL is required (--database-url or DATABASE_URL)")
	}
	return nil
}

// openStore connects to Postgres. The returned func closes the pool.
func (o *globalOptions) openStore(ctx context.Context) (store.Store, func(), error) {
	if err := o.requireDatabaseURL(); err != nil {
		return nil, nil, err
	}
	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             o.databaseURL,
		MaxOpenConns:    2,
		MaxIdleConns:    0,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireDatabaseURL(); err != nil {
				return err
			}
			if err := store.RunMigrations(opts.databaseURL, opts.migrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireDatabaseURL(); err != nil {
				return err
			}
			if err := store.RollbackMigrations(opts.databaseURL, opts.migrationsDir, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func newUserCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage operator accounts",
	}

	var password string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an operator account",
		Long:  `Create an operator account. With --password - the password is read from stdin.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := strings.TrimSpace(args[0])
			if username == "" {
				return errors.New("username must not be empty")
			}
			pw, err := readPassword(cmd.InOrStdin(), password)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}

			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			user := &models.User{Username: username, PasswordHash: hash}
			if err := st.CreateUser(cmd.Context(), user); err != nil {
				if errors.Is(err, store.ErrDuplicateKey) {
					return fmt.Errorf("user %q already exists", username)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", user.Username, user.ID)
			return nil
		},
	}
	create.Flags().StringVar(&password, "password", "", "Password for the new account, or - to read it from stdin")
	_ = create.MarkFlagRequired("password")

	cmd.AddCommand(create)
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flag := "-"
			if len(args) == 1 {
				flag = args[0]
			}
			pw, err := readPassword(cmd.InOrStdin(), flag)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newSweepTimeoutsCmd(opts *globalOptions) *cobra.Command {
	var deadline time.Duration
	cmd := &cobra.Command{
		Use:   "sweep-timeouts",
		Short: "Fail parse jobs that have been active longer than the deadline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if deadline <= 0 {
				return fmt.Errorf("--deadline must be positive, got %s", deadline)
			}
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := ai.NewSweeper(st, deadline, deadline).SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "timed out %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&deadline, "deadline", 30*time.Minute, "Jobs idle in queued or processing for longer than this are failed")
	return cmd
}

// readPassword returns value, or the first line of in when value is "-".
func readPassword(in io.Reader, value string) (string, error) {
	if value != "-" {
		if value == "" {
			return "", errors.New("password must not be empty")
		}
		return value, nil
	}
	b, err := io.ReadAll(io.LimitReader(in, 4096))
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw, _, _ := strings.Cut(string(b), "\n")
	pw = strings.TrimRight(pw, "\r")
	if pw == "" {
		return "", errors.New("password must not be empty")
	}
	return pw, nil
}
