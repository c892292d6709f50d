// File: cmd/session.go
package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/delivery"
	"github.com/loanbook/courier/internal/observability"
)

func newSessionCmd() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the tenant's browser session and its persistent profile",
	}
	sessionCmd.AddCommand(newSessionLoginCmd())
	sessionCmd.AddCommand(newSessionStatusCmd())
	sessionCmd.AddCommand(newSessionCloseCmd())
	sessionCmd.AddCommand(newSessionBackupCmd())
	sessionCmd.AddCommand(newSessionRestoreCmd())
	return sessionCmd
}

func newSessionLoginCmd() *cobra.Command {
	var (
		timeout  time.Duration
		headless bool
	)

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Open the messaging surface and wait until the session is logged in",
		Long: `Opens a visible browser on the tenant's profile and polls until the messaging
surface shows a logged-in view. Scan the pairing code in the window to log in. The
login is kept in the profile, so later runs start authenticated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			cfg.SetSessionHeadless(headless)

			components, err := componentFactory.CreateSession(cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			ac := cfg.Auth()
			detector := delivery.NewAuthDetector(components.Session.OnSurface, delivery.AuthConfig{
				MaxChecks:      1,
				ReadySelectors: ac.ReadySelectors,
				LoginSelectors: ac.LoginSelectors,
			}, nil, logger)

			waitCtx, cancel := contextWithOptionalTimeout(ctx, timeout)
			defer cancel()

			prompted := false
			for {
				page, _, err := components.Session.EnsureReady(waitCtx)
				if err != nil {
					return fmt.Errorf("session not ready: %w", err)
				}
				res := detector.Check(waitCtx, page)
				if res.Authenticated {
					components.Session.ConfirmAuthenticated()
					return writeJSON(cmd, components.Session.Info())
				}
				if res.AwaitingLogin && !prompted {
					fmt.Fprintln(cmd.ErrOrStderr(), "Scan the pairing code in the browser window to log in.")
					prompted = true
				}
				if err := sleepCtx(waitCtx, ac.CheckInterval); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return fmt.Errorf("login not completed within %s", timeout)
				}
			}
		},
	}

	loginCmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "how long to wait for the login; 0 waits until interrupted")
	loginCmd.Flags().BoolVar(&headless, "headless", false, "run the browser headless (the pairing code is then not visible)")
	return loginCmd
}

type sessionStatus struct {
	browser.SessionInfo
	ProfileExists   bool   `json:"profileExists"`
	ProfileLocked   bool   `json:"profileLocked"`
	ControlEndpoint string `json:"controlEndpoint,omitempty"`
}

func newSessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tenant's profile state without starting a browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			components, err := componentFactory.CreateSession(cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			tenant := cfg.Messaging().Tenant
			return writeJSON(cmd, sessionStatus{
				SessionInfo:     components.Session.Info(),
				ProfileExists:   components.Profiles.Exists(tenant),
				ProfileLocked:   components.Profiles.Locked(tenant),
				ControlEndpoint: cfg.Session().ControlEndpoint,
			})
		},
	}
}

func newSessionCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Terminate the browser listening on the control endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			endpoint := cfg.Session().ControlEndpoint
			if endpoint == "" {
				return errors.New("no control endpoint configured (session.control_endpoint)")
			}

			b, err := browser.NewCDPDriver(logger).Attach(ctx, endpoint)
			if err != nil {
				return err
			}
			if err := b.Terminate(ctx); err != nil {
				return fmt.Errorf("failed to terminate browser: %w", err)
			}
			logger.Info("Browser terminated.", zap.String("endpoint", endpoint))
			return nil
		},
	}
}

func newSessionBackupCmd() *cobra.Command {
	var output string

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Write the tenant's profile to a tar.gz archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			components, err := componentFactory.CreateSession(cfg, logger)
			if err != nil {
				return err
			}

			tenant := cfg.Messaging().Tenant
			if output == "" {
				output = tenant + "-profile.tar.gz"
			}
			if components.Profiles.Locked(tenant) {
				logger.Warn("Profile is in use; the archive may be inconsistent.", zap.String("tenant", tenant))
			}

			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			if err := components.Profiles.Snapshot(tenant, f); err != nil {
				f.Close()
				_ = os.Remove(output)
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile for %s written to %s\n", tenant, output)
			return nil
		},
	}

	backupCmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default <tenant>-profile.tar.gz)")
	return backupCmd
}

func newSessionRestoreCmd() *cobra.Command {
	var force bool

	restoreCmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Replace the tenant's profile with the contents of a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			components, err := componentFactory.CreateSession(cfg, logger)
			if err != nil {
				return err
			}

			tenant := cfg.Messaging().Tenant
			if components.Profiles.Locked(tenant) {
				if !force {
					return fmt.Errorf("profile for %s is in use by a browser; close it first or pass --force", tenant)
				}
				if err := components.Profiles.ClearStaleLocks(tenant); err != nil {
					return err
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open archive: %w", err)
			}
			defer f.Close()

			if err := components.Profiles.Restore(tenant, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile for %s restored from %s\n", tenant, args[0])
			return nil
		},
	}

	restoreCmd.Flags().BoolVar(&force, "force", false, "restore even if the profile looks in use")
	return restoreCmd
}
