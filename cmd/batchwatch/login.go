package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/payflow/batchwatch/internal/restapi"
)

func newLoginCmd(a *app) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := currentSession(cmd)
			if err != nil {
				return err
			}

			reader := bufio.NewReader(a.in)
			if username == "" {
				fmt.Fprint(a.out, "Username: ")
				if username, err = readLine(reader); err != nil {
					return err
				}
			}
			fmt.Fprint(a.out, "Password: ")
			password, err := a.readPassword(reader)
			if err != nil {
				return err
			}
			if username == "" || password == "" {
				return errors.New("username and password are required")
			}

			resp, err := a.api.Login(cmd.Context(), username, password)
			if err != nil {
				return errors.New(restapi.ErrorMessage(err, "Login failed"))
			}
			if err := sess.SignIn(resp, username); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Signed in as %s\n", sess.DisplayName())
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (prompted when empty)")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := currentSession(cmd)
			if err != nil {
				return err
			}
			if err := sess.SignOut(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Signed out")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := currentSession(cmd)
			if err != nil {
				return err
			}
			if !sess.Authenticated() {
				fmt.Fprintln(a.out, "Not signed in")
				return nil
			}
			creds := sess.Credentials()
			fmt.Fprintf(a.out, "%s (%s)\n", sess.DisplayName(), creds.Username)
			if !creds.SavedAt.IsZero() {
				fmt.Fprintf(a.out, "Signed in at %s\n", creds.SavedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

// readPassword reads without echo from a terminal, otherwise one line from
// the reader.
func (a *app) readPassword(reader *bufio.Reader) (string, error) {
	if fd, ok := terminalFd(a.in); ok {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(a.out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}
	return readLine(reader)
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
