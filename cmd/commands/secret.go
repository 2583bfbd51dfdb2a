package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/newgate/internal/config"
	"github.com/dohr-michael/newgate/internal/secrets"
)

// NewSecretCommand returns the secret subcommand.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage age-encrypted values in the .env file",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Encrypt a value and store it in the .env file (reads stdin when VALUE is omitted)",
				ArgsUsage: "<KEY> [VALUE]",
				Action:    runSecretSet,
			},
			{
				Name:      "unset",
				Usage:     "Remove a key from the .env file",
				ArgsUsage: "<KEY>",
				Action:    runSecretUnset,
			},
			{
				Name:   "recipient",
				Usage:  "Print the age public key, creating the identity if needed",
				Action: runSecretRecipient,
			},
		},
	}
}

func runSecretSet(_ context.Context, cmd *cli.Command) error {
	key := cmd.Args().Get(0)
	if key == "" {
		return fmt.Errorf("usage: newgate secret set <KEY> [VALUE]")
	}
	value := cmd.Args().Get(1)
	if cmd.Args().Len() < 2 {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read value: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}

	box, err := secrets.OpenBox(secrets.KeyPath(), true)
	if err != nil {
		return err
	}
	sealed, err := box.Seal(value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(config.NewgatePath(), 0o700); err != nil {
		return fmt.Errorf("create newgate directory: %w", err)
	}
	if err := secrets.SetEntry(config.DotenvPath(), key, sealed); err != nil {
		return err
	}
	fmt.Printf("%s stored encrypted in %s\n", key, config.DotenvPath())
	fmt.Printf("Reference it in config.jsonc as \"${{ .Env.%s }}\".\n", key)
	return nil
}

func runSecretUnset(_ context.Context, cmd *cli.Command) error {
	key := cmd.Args().First()
	if key == "" {
		return fmt.Errorf("usage: newgate secret unset <KEY>")
	}
	found, err := secrets.RemoveEntry(config.DotenvPath(), key)
	if err != nil {
		return err
	}
	if !found {
		fmt.Printf("%s not set\n", key)
		return nil
	}
	fmt.Printf("%s removed\n", key)
	return nil
}

func runSecretRecipient(_ context.Context, _ *cli.Command) error {
	box, err := secrets.OpenBox(secrets.KeyPath(), true)
	if err != nil {
		return err
	}
	fmt.Println(box.Recipient())
	return nil
}
