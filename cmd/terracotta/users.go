// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mikelane/terracotta/internal/config"
	"github.com/mikelane/terracotta/internal/store/postgres"
	"github.com/mikelane/terracotta/internal/thread"
)

func newUsersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users and their installations",
	}
	cmd.AddCommand(newUsersAddCommand(opts))
	return cmd
}

func newUsersAddCommand(opts *rootOptions) *cobra.Command {
	var user thread.User

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user owning one or more GitHub App installations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user.ID == "" || user.Email == "" {
				return errors.New("--id and --email are required")
			}
			if len(user.Installations) == 0 {
				return errors.New("at least one --installation is required")
			}

			cfg, err := config.Load(cmd.Context(), opts.envFile)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required to store users")
			}

			store, err := postgres.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			if err := store.CreateUser(cmd.Context(), &user); err != nil {
				return err
			}
			cmd.Printf("Created user %s with installations %v\n", user.ID, user.Installations)
			return nil
		},
	}

	cmd.Flags().StringVar(&user.ID, "id", "", "User id")
	cmd.Flags().StringVar(&user.Email, "email", "", "User email")
	cmd.Flags().StringVar(&user.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&user.LastName, "last-name", "", "Last name")
	cmd.Flags().Int64SliceVar(&user.Installations, "installation", nil, "GitHub App installation id (repeatable)")
	return cmd
}
