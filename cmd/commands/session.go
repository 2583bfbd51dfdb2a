package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/newgate/internal/auth"
)

// NewSessionCommand returns the session subcommand. Sessions normally come
// from the product's identity provider; these commands stand in for it
// during development and operations.
func NewSessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Issue and revoke user sessions",
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Issue a session cookie for a user",
				ArgsUsage: "<user_id>",
				Action:    runSessionCreate,
			},
			{
				Name:      "revoke",
				Usage:     "Revoke a session token",
				ArgsUsage: "<token>",
				Action:    runSessionRevoke,
			},
			{
				Name:   "purge",
				Usage:  "Delete expired sessions",
				Action: runSessionPurge,
			},
		},
	}
}

func runSessionCreate(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.Args().First()
	if userID == "" {
		return fmt.Errorf("usage: newgate session create <user_id>")
	}
	st, cfg, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	a := auth.New(st, cfg.Auth.SessionTTL.Duration(), nil)
	token, expires, err := a.Issue(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("Cookie: %s=%s\n", auth.CookieName, token)
	fmt.Printf("Expires: %s\n", expires.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func runSessionRevoke(ctx context.Context, cmd *cli.Command) error {
	token := cmd.Args().First()
	if token == "" {
		return fmt.Errorf("usage: newgate session revoke <token>")
	}
	st, cfg, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := auth.New(st, cfg.Auth.SessionTTL.Duration(), nil).Revoke(ctx, token); err != nil {
		return err
	}
	fmt.Println("Session revoked.")
	return nil
}

func runSessionPurge(ctx context.Context, cmd *cli.Command) error {
	st, _, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.PurgeExpiredSessions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d expired sessions.\n", n)
	return nil
}
