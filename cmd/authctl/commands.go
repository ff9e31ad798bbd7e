package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/goliatone/go-print"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func loginCmd(flags *globalFlags) *cobra.Command {
	var (
		email    string
		password string
		remember bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Long: `Log in with email and password.

With --remember (the default) the token pair is written to the credential
database and survives restarts. Without it the session only lives for the
duration of the command.`,
		RunE: run(flags, func(cmd *cobra.Command, args []string, a *app) error {
			if password == "" {
				p, err := readPassword()
				if err != nil {
					return err
				}
				password = p
			}

			user, err := a.session.Login(cmd.Context(), authclient.LoginRequest{
				Email:      email,
				Password:   password,
				RememberMe: remember,
			})
			if err != nil {
				return describe(err)
			}

			success("Logged in as %s (%s)", user.Email, user.Role)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "Account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password, prompted when empty")
	cmd.Flags().BoolVar(&remember, "remember", true, "Persist credentials across runs")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func registerCmd(flags *globalFlags) *cobra.Command {
	var req authclient.RegisterRequest

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: run(flags, func(cmd *cobra.Command, args []string, a *app) error {
			if req.Password == "" {
				p, err := readPassword()
				if err != nil {
					return err
				}
				req.Password = p
			}

			user, err := a.session.Register(cmd.Context(), req)
			if err != nil {
				return describe(err)
			}

			if user == nil {
				success("Account created, log in to continue")
				return nil
			}
			success("Registered and logged in as %s", user.Email)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&req.Email, "email", "e", "", "Account email")
	cmd.Flags().StringVarP(&req.Password, "password", "p", "", "Account password, prompted when empty")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "Last name")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "Phone number")
	cmd.Flags().BoolVar(&req.RememberMe, "remember", true, "Persist credentials across runs")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func logoutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and clear stored credentials",
		RunE: run(flags, func(cmd *cobra.Command, args []string, a *app) error {
			a.session.Initialize(cmd.Context())
			if err := a.session.Logout(cmd.Context()); err != nil {
				warn("Server logout failed: %v", err)
			}
			success("Logged out")
			return nil
		}),
	}
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Restore the stored session and report its state",
		RunE: run(flags, func(cmd *cobra.Command, args []string, a *app) error {
			state := a.session.Initialize(cmd.Context())
			bundle, horizon := a.session.Store().LoadWithHorizon(cmd.Context())

			if !state.Authenticated {
				info("Not logged in")
				if state.LastFailure != "" {
					info("Last failure: %s", state.LastFailure)
				}
				return nil
			}

			success("Logged in as %s (%s)", state.User.Email, state.User.Role)
			info("Storage:    %s", horizon)
			if bundle.ExpiresAt != nil {
				info("Expires at: %s", bundle.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
			} else {
				info("Expires at: unknown")
			}
			if state.Offline() {
				warn("Backend unreachable, showing cached user")
			}
			return nil
		}),
	}
}

func refreshCmd(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token",
		RunE: run(flags, func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			state := a.session.Initialize(ctx)
			if !state.Authenticated {
				return authclient.ErrNoSession
			}

			var (
				ok  bool
				err error
			)
			if force {
				stale := a.session.Store().Load(ctx).AccessToken
				ok, err = a.session.Refresher().ForceRefresh(ctx, stale)
			} else {
				ok, err = a.session.RefreshIfNeeded(ctx)
			}
			if err != nil {
				return describe(err)
			}
			if !ok {
				return authclient.ErrSessionExpired
			}

			success("Session is fresh")
			return nil
		}),
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Refresh even when the token is not about to expire")

	return cmd
}

func whoamiCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the current user as JSON",
		RunE: run(flags, func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			state := a.session.Initialize(ctx)
			if !state.Authenticated {
				return authclient.ErrNoSession
			}

			user, err := a.backend.Me(ctx, a.session.HTTPClient())
			if err != nil {
				return describe(err)
			}
			fmt.Println(print.MaybePrettyJSON(user))
			return nil
		}),
	}
}

func profileCmd(flags *globalFlags) *cobra.Command {
	var firstName, lastName, phone string

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Update profile fields",
		RunE: run(flags, func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.session.Initialize(ctx)

			update := authclient.ProfileUpdate{}
			if cmd.Flags().Changed("first-name") {
				update.FirstName = &firstName
			}
			if cmd.Flags().Changed("last-name") {
				update.LastName = &lastName
			}
			if cmd.Flags().Changed("phone") {
				update.Phone = &phone
			}

			user, err := a.session.UpdateProfile(ctx, update)
			if err != nil {
				return describe(err)
			}
			success("Profile updated for %s", user.FullName())
			return nil
		}),
	}

	cmd.Flags().StringVar(&firstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "Last name")
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number")

	return cmd
}

func getCmd(flags *globalFlags) *cobra.Command {
	var (
		method string
		data   string
		admin  bool
	)

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Send an authenticated request and print the response",
		Long: `Send an authenticated request. Relative paths are resolved against
base_url, or admin_base_url with --admin. Admin requests use the cookie
and nonce scheme instead of the bearer token.`,
		Args: cobra.ExactArgs(1),
		RunE: run(flags, func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.session.Initialize(ctx)

			client := a.session.HTTPClient()
			target := a.backend.URL(args[0])
			if admin {
				c, err := a.session.AdminHTTPClient()
				if err != nil {
					return describe(err)
				}
				client = c
				target = a.backend.AdminURL(args[0])
			}

			var body io.Reader
			if data != "" {
				body = strings.NewReader(data)
			}

			req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, body)
			if err != nil {
				return err
			}
			if data != "" {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := client.Do(req)
			if err != nil {
				return describe(err)
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(renderBody(raw))
			return nil
		}),
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().BoolVar(&admin, "admin", false, "Use the admin API client")

	return cmd
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Println(print.MaybePrettyJSON(a.opts))
			return nil
		},
	}
	return cmd
}

func renderBody(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(bytes.TrimSpace(raw))
	}
	return print.MaybePrettyJSON(v)
}

// describe adds field level details to validation errors
func describe(err error) error {
	fields := authclient.FieldErrors(err)
	if len(fields) == 0 {
		return err
	}

	var b strings.Builder
	b.WriteString(err.Error())
	for name, msg := range fields {
		fmt.Fprintf(&b, "\n  %s: %s", name, msg)
	}
	return fmt.Errorf("%s", b.String())
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}

func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

func warn(format string, args ...any) {
	fmt.Printf("\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}
