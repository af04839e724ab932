package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginPasswordStdin bool

func init() {
	loginCmd.Flags().BoolVar(&loginPasswordStdin, "password-stdin", false, "Read the password from stdin")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the session token",
	Long:  "Log in with your company email. The password is prompted for unless --password-stdin is given.\nThe issued token is saved to ~/.silentsupply/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		s, err := loadSettings()
		if err != nil {
			return err
		}
		password, err := readPassword(loginPasswordStdin)
		if err != nil {
			return err
		}

		s.token = ""
		client, err := s.client(false)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd.Context())
		defer cancel()

		auth, err := client.Auth.Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		s.cfg.Auth = ConfigAuth{Token: auth.Token, Email: auth.Email, CompanyID: auth.CompanyID}
		if flagBaseURL != "" {
			s.cfg.Default.BaseURL = flagBaseURL
		}
		if err := saveConfig(s.cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (company %d, %s)\n", auth.Email, auth.CompanyID, auth.Role)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			fmt.Println("Not logged in.")
			return nil
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

func readPassword(fromStdin bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !fromStdin && term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("cannot read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
