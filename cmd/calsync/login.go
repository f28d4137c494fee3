package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/calsync/internal/db"
	"github.com/mschirtzinger/calsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "setup",
	Short:   "Remember server credentials",
	Long: `Store the server URL and access token in the local cache database.

Missing values are prompted for interactively. The login is trusted for
login.max_age, after which sync commands ask you to log in again.`,
	Run: func(cmd *cobra.Command, args []string) {
		server, _ := cmd.Flags().GetString("server")
		user, _ := cmd.Flags().GetString("user")
		token, _ := cmd.Flags().GetString("token")
		if server == "" {
			server = cfg.Server.URL
		}

		if server == "" || token == "" {
			if !ui.IsTerminal() {
				fatalf("--server and --token are required when not running in a terminal")
			}
			if err := promptLogin(&server, &user, &token); err != nil {
				fatalf("%v", err)
			}
		}

		a, err := openCache()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if err := a.db.SaveLogin(db.Login{ServerURL: server, Username: user, Token: token}); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Logged in to %s\n", ui.RenderPass(ui.IconPass), server)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "setup",
	Short:   "Forget the remembered login",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openCache()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if err := a.db.ForgetLogin(); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Logged out\n", ui.RenderPass(ui.IconPass))
	},
}

func promptLogin(server, user, token *string) error {
	required := func(name string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", name)
			}
			return nil
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Placeholder("https://calendar.example.com/api").
				Validate(required("server URL")).
				Value(server),
			huh.NewInput().
				Title("Username").
				Value(user),
			huh.NewInput().
				Title("Access token").
				EchoMode(huh.EchoModePassword).
				Validate(required("token")).
				Value(token),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return fmt.Errorf("login cancelled")
		}
		return fmt.Errorf("failed to read login: %w", err)
	}
	return nil
}

func init() {
	loginCmd.Flags().String("server", "", "Server URL (default: server.url)")
	loginCmd.Flags().String("user", "", "Username")
	loginCmd.Flags().String("token", "", "Access token")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
