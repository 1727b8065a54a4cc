package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/corvalhq/corval/internal/services"
)

func newCreateRootCmd(env *cliEnv) *cobra.Command {
	var username, email, password string

	cmd := &cobra.Command{
		Use:   "create-root",
		Short: "Create an active root user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username = strings.TrimSpace(username)
			email = strings.TrimSpace(email)
			if username == "" || email == "" {
				return fmt.Errorf("--username and --email must not be empty")
			}

			if strings.TrimSpace(password) == "" {
				entered, err := promptPassword(cmd)
				if err != nil {
					return err
				}
				password = entered
			}

			_, db, err := env.openDatabase()
			if err != nil {
				return err
			}
			defer closeDatabase(db)

			audit, err := services.NewAuditService(db)
			if err != nil {
				return err
			}
			users, err := services.NewUserService(db, audit)
			if err != nil {
				return err
			}

			active := true
			user, err := users.Create(cmd.Context(), services.CreateUserInput{
				Username: username,
				Email:    email,
				Password: password,
				IsRoot:   true,
				IsActive: &active,
			})
			if err != nil {
				return err
			}

			cmd.Printf("root user %s created (%s)\n", user.Username, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Login name for the root user")
	cmd.Flags().StringVar(&email, "email", "", "Email address for the root user")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func promptPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; pass --password")
	}

	cmd.Print("Password: ")
	first, err := term.ReadPassword(fd)
	cmd.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	cmd.Print("Confirm password: ")
	second, err := term.ReadPassword(fd)
	cmd.Println()
	if err != nil {
		return "", fmt.Errorf("read password confirmation: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	return string(first), nil
}
