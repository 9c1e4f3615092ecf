package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fityard/client"
	"fityard/session"
)

// pendingPath is where a login waiting for its one-time password keeps the
// email between runs.
func (c *cli) pendingPath() string {
	return c.store.Path() + ".pending"
}

func (c *cli) loginCmd() *cobra.Command {
	var (
		admin   bool
		captcha string
	)

	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in and store the access token",
		Long: `Sign in with email and password. The password is read from standard
input. When the backend asks for a one-time password, finish with
"fityardctl otp <code>".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.TrimSpace(args[0])
			password, err := readSecret(cmd, "Password: ")
			if err != nil {
				return err
			}

			res := c.ctrl.Login(cmd.Context(), session.LoginInput{
				Email:        email,
				Password:     password,
				Admin:        admin,
				CaptchaToken: captcha,
			})

			switch res.Outcome {
			case session.LoginSucceeded:
				_ = os.Remove(c.pendingPath())
				printUser(cmd.OutOrStdout(), res.User)
				return nil
			case session.LoginPendingOTP:
				if err := os.MkdirAll(filepath.Dir(c.pendingPath()), 0o700); err != nil {
					return fmt.Errorf("remember pending login: %w", err)
				}
				if err := os.WriteFile(c.pendingPath(), []byte(res.Email), 0o600); err != nil {
					return fmt.Errorf("remember pending login: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "One-time password sent to %s. Run \"fityardctl otp <code>\" to finish.\n", res.Email)
				return nil
			default:
				return errors.New(res.Message)
			}
		},
	}

	cmd.Flags().BoolVar(&admin, "admin", false, "Use the administrator login endpoint")
	cmd.Flags().StringVar(&captcha, "captcha", "", "Captcha token to send with the login")

	return cmd
}

func (c *cli) otpCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "otp <code>",
		Short: "Finish a login with a one-time password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				b, err := os.ReadFile(c.pendingPath())
				if err != nil {
					return errors.New("no pending login; run \"fityardctl login\" first or pass --email")
				}
				email = strings.TrimSpace(string(b))
			}

			res := c.ctrl.VerifyLoginOTP(cmd.Context(), email, strings.TrimSpace(args[0]))
			if res.Outcome != session.LoginSucceeded {
				return errors.New(res.Message)
			}
			_ = os.Remove(c.pendingPath())
			printUser(cmd.OutOrStdout(), res.User)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email of the pending login")

	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and remove the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Resolve the user first so admins are logged out of the admin endpoint.
			c.ctrl.Initialize(cmd.Context())
			c.ctrl.Logout(cmd.Context())
			_ = os.Remove(c.pendingPath())
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func (c *cli) whoamiCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.ctrl.Initialize(cmd.Context())
			st := c.ctrl.Snapshot()
			if st.User == nil {
				return errors.New("not signed in")
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st.User)
			}
			printUser(cmd.OutOrStdout(), st.User)
			if token, ok := c.store.Get(); ok {
				if minutes, ok := c.inspector.MinutesUntilExpiry(token); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "Session expires in %d minute(s).\n", minutes)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the profile as JSON")

	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with access tokens",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect [token]",
		Short: "Decode a token without verifying it",
		Long: `Decode and validate an access token. With no argument the stored
token is inspected. The signature is not checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = strings.TrimSpace(args[0])
			} else if stored, ok := c.store.Get(); ok {
				token = stored
			}
			if token == "" {
				return client.ErrNoToken
			}

			details, err := c.inspector.Describe(token)
			if details.Claims == nil {
				return fmt.Errorf("decode token: %w", err)
			}
			if err != nil {
				c.logger.Debug("token header unavailable", "error", err)
			}
			printDetails(cmd.OutOrStdout(), details, c.inspector.Validate(token))
			return nil
		},
	})

	return cmd
}

func printUser(w io.Writer, u *client.UserProfile) {
	if u == nil {
		return
	}
	role := u.Role
	if role == "" {
		role = "user"
	}
	name := u.Email
	if name == "" {
		name = u.ID
	}
	fmt.Fprintf(w, "Signed in as %s (%s, id %s)\n", name, role, u.ID)
}

func printDetails(w io.Writer, d client.TokenDetails, res client.ValidationResult) {
	row := func(k, v string) {
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(w, "%-11s %s\n", k+":", v)
	}
	row("Algorithm", d.Algorithm)
	row("Key ID", d.KeyID)
	row("Subject", d.Claims.Subject)
	row("Email", d.Claims.Email)
	row("Role", d.Claims.Role)
	if d.Claims.HasIssuedAt() {
		row("Issued", d.Claims.IssuedAt.UTC().Format("2006-01-02 15:04:05Z"))
	}
	if d.Claims.HasExpiry() {
		row("Expires", d.Claims.ExpiresAt.UTC().Format("2006-01-02 15:04:05Z"))
	}
	if d.Expired {
		row("Status", "expired")
	} else if d.ExpiresIn > 0 {
		row("Status", "valid for "+d.ExpiresIn.Round(time.Second).String())
	}
	if res.Valid {
		row("Checks", "ok")
	} else {
		row("Checks", strings.Join(res.Errors, "; "))
	}
}

// readSecret reads one line from the command's input.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	lines, err := readSecrets(cmd, prompt)
	if err != nil {
		return "", err
	}
	return lines[0], nil
}

// readSecrets reads one line per prompt from the command's input.
func readSecrets(cmd *cobra.Command, prompts ...string) ([]string, error) {
	reader := bufio.NewReader(cmd.InOrStdin())
	lines := make([]string, 0, len(prompts))
	for _, prompt := range prompts {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read password: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return nil, errors.New("password required")
		}
		lines = append(lines, line)
	}
	return lines, nil
}
