package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"carbook/internal/auth"
	"carbook/internal/core"
	"carbook/internal/storage"
)

func (a *app) userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	var password string
	add := &cobra.Command{
		Use:   "add EMAIL",
		Short: "Create a password account",
		Long: `Create a password account.

The password is taken from --password or, when that is empty, from the
first line of standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, hash, err := a.credentials(args[0], password)
			if err != nil {
				return err
			}
			repo, err := a.repository()
			if err != nil {
				return err
			}
			u := core.User{ID: uuid.NewString(), Email: email, PasswordHash: hash, CreatedAt: time.Now().UTC()}
			if err := repo.CreateUser(cmd.Context(), u); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					return fmt.Errorf("%s: %w", email, auth.ErrEmailTaken)
				}
				return err
			}
			fmt.Fprintf(a.out, "created user %s (%s)\n", email, u.ID)
			return nil
		},
	}
	add.Flags().StringVar(&password, "password", "", "Password for the new account")

	passwd := &cobra.Command{
		Use:   "passwd EMAIL",
		Short: "Set a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, hash, err := a.credentials(args[0], password)
			if err != nil {
				return err
			}
			repo, err := a.repository()
			if err != nil {
				return err
			}
			u, err := repo.GetUserByEmail(cmd.Context(), email)
			if err != nil {
				return err
			}
			if err := repo.SetPassword(cmd.Context(), u.ID, hash); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "password updated for %s\n", email)
			return nil
		},
	}
	passwd.Flags().StringVar(&password, "password", "", "New password")

	cmd.AddCommand(add, passwd)
	return cmd
}

func (a *app) credentials(email, password string) (string, string, error) {
	email, err := auth.NormalizeEmail(email)
	if err != nil {
		return "", "", err
	}
	if password == "" {
		sc := bufio.NewScanner(a.in)
		if sc.Scan() {
			password = strings.TrimRight(sc.Text(), "\r")
		}
		if err := sc.Err(); err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", "", err
	}
	return email, hash, nil
}

// lookupUser resolves the --user flag every data command takes.
func (a *app) lookupUser(cmd *cobra.Command, email string) (core.User, *storage.Repository, error) {
	if email == "" {
		return core.User{}, nil, errors.New("--user is required")
	}
	repo, err := a.repository()
	if err != nil {
		return core.User{}, nil, err
	}
	u, err := repo.GetUserByEmail(cmd.Context(), email)
	if err != nil {
		return core.User{}, nil, fmt.Errorf("user %s: %w", email, err)
	}
	return u, repo, nil
}
