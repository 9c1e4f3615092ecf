package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"fityard/client"
)

// registrationPath holds the email of a sign-up waiting for its verification
// code.
func (c *cli) registrationPath() string {
	return c.store.Path() + ".register"
}

func (c *cli) registerCmd() *cobra.Command {
	var (
		name    string
		captcha string
	)

	cmd := &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account",
		Long: `Create an account. The password is read from standard input. The
backend mails a verification code; confirm it with
"fityardctl verify-email <code>" and then log in.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.TrimSpace(args[0])
			password, err := readSecret(cmd, "Password: ")
			if err != nil {
				return err
			}

			resp, err := c.api.Register(cmd.Context(), client.Registration{
				Name:     name,
				Email:    email,
				Password: password,
				Captcha:  captcha,
			})
			if err != nil {
				return errors.New(apiMessage(resp, err))
			}
			if err := os.MkdirAll(filepath.Dir(c.registrationPath()), 0o700); err != nil {
				return fmt.Errorf("remember pending registration: %w", err)
			}
			if err := os.WriteFile(c.registrationPath(), []byte(email), 0o600); err != nil {
				return fmt.Errorf("remember pending registration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Verification code sent to %s. Run \"fityardctl verify-email <code>\" to finish.\n", email)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&captcha, "captcha", "", "Captcha token to send with the registration")

	return cmd
}

func (c *cli) verifyEmailCmd() *cobra.Command {
	var (
		email  string
		resend bool
	)

	cmd := &cobra.Command{
		Use:   "verify-email [code]",
		Short: "Confirm a new account with its verification code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				b, err := os.ReadFile(c.registrationPath())
				if err != nil {
					return errors.New("no pending registration; run \"fityardctl register\" first or pass --email")
				}
				email = strings.TrimSpace(string(b))
			}

			if resend {
				resp, err := c.api.ResendRegistrationOTP(cmd.Context(), email)
				if err != nil {
					return errors.New(apiMessage(resp, err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "New verification code sent to %s.\n", email)
				return nil
			}
			if len(args) == 0 {
				return errors.New("verification code required")
			}

			resp, err := c.api.VerifyRegistrationOTP(cmd.Context(), email, strings.TrimSpace(args[0]))
			if err != nil {
				return errors.New(apiMessage(resp, err))
			}
			_ = os.Remove(c.registrationPath())
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s verified. Log in with \"fityardctl login %s\".\n", email, email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email of the pending registration")
	cmd.Flags().BoolVar(&resend, "resend", false, "Mail a new verification code instead")

	return cmd
}

func (c *cli) passwordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Change, reset, or check passwords",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "change",
			Short: "Change the password of the signed-in user",
			Long: `Change the password of the signed-in user. The current and the new
password are read from standard input, one per line.`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				user, err := c.signedInUser(cmd)
				if err != nil {
					return err
				}
				secrets, err := readSecrets(cmd, "Current password: ", "New password: ")
				if err != nil {
					return err
				}
				resp, err := c.api.UpdatePassword(cmd.Context(), user.ID, secrets[0], secrets[1])
				if err != nil {
					return errors.New(apiMessage(resp, err))
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Password updated.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "forgot <email>",
			Short: "Mail a password reset link",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				email := strings.TrimSpace(args[0])
				resp, err := c.api.ForgotPassword(cmd.Context(), email)
				if err != nil {
					return errors.New(apiMessage(resp, err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password reset instructions sent to %s.\n", email)
				return nil
			},
		},
		&cobra.Command{
			Use:   "reset <email> <token>",
			Short: "Set a new password with a reset token",
			Long: `Set a new password with the token from the reset mail. The new
password is read from standard input.`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				password, err := readSecret(cmd, "New password: ")
				if err != nil {
					return err
				}
				resp, err := c.api.ResetPassword(cmd.Context(), strings.TrimSpace(args[0]), strings.TrimSpace(args[1]), password)
				if err != nil {
					return errors.New(apiMessage(resp, err))
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Password reset. Log in with the new password.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show when the password must be changed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				user, err := c.signedInUser(cmd)
				if err != nil {
					return err
				}
				st, err := c.api.PasswordStatus(cmd.Context(), user.ID)
				if err != nil {
					return err
				}
				printPasswordStatus(cmd, st)
				return nil
			},
		},
		&cobra.Command{
			Use:   "force-change <user-id>",
			Short: "Require a user to pick a new password (administrators)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				user, err := c.signedInUser(cmd)
				if err != nil {
					return err
				}
				if !user.IsAdmin() {
					return errors.New("administrator session required")
				}
				target := strings.TrimSpace(args[0])
				resp, err := c.api.ForcePasswordChange(cmd.Context(), target)
				if err != nil {
					return errors.New(apiMessage(resp, err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User %s must change their password at next login.\n", target)
				return nil
			},
		},
	)

	return cmd
}

func (c *cli) signedInUser(cmd *cobra.Command) (*client.UserProfile, error) {
	c.ctrl.Initialize(cmd.Context())
	user := c.ctrl.Snapshot().User
	if user == nil {
		return nil, errors.New("not signed in")
	}
	return user, nil
}

func printPasswordStatus(cmd *cobra.Command, st *client.PasswordStatus) {
	w := cmd.OutOrStdout()
	switch {
	case st.IsExpired:
		fmt.Fprintln(w, "Password expired. Change it now.")
	case st.IsExpiring:
		fmt.Fprintf(w, "Password expires in %d day(s).\n", st.DaysUntilExpiry)
	default:
		fmt.Fprintln(w, "Password is current.")
	}
	if st.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires at %s\n", st.ExpiresAt.UTC().Format("2006-01-02 15:04:05Z"))
	}
}

// apiMessage prefers the message of an unsuccessful reply.
func apiMessage(resp *client.ActionResponse, err error) string {
	if resp != nil && resp.Message != "" {
		return resp.Message
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
