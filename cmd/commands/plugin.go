package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/newgate/internal/manifest"
	"github.com/dohr-michael/newgate/internal/permissions"
	"github.com/dohr-michael/newgate/internal/pluginid"
)

func userFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "user",
		Aliases:  []string{"u"},
		Usage:    "User id owning the installation",
		Required: true,
	}
}

// NewPluginCommand returns the plugin subcommand.
func NewPluginCommand() *cli.Command {
	return &cli.Command{
		Name:  "plugin",
		Usage: "Manage the plugin catalog and installations",
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Check a plugin manifest",
				ArgsUsage: "<manifest>",
				Action:    runPluginValidate,
			},
			{
				Name:      "register",
				Usage:     "Add or update catalog entries from manifests",
				ArgsUsage: "<manifest|dir>...",
				Action:    runPluginRegister,
			},
			{
				Name:  "list",
				Usage: "List catalog entries",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "published", Usage: "Only published plugins"},
				},
				Action: runPluginList,
			},
			{
				Name:      "install",
				Usage:     "Install a plugin for a user",
				ArgsUsage: "<plugin_id>",
				Flags:     []cli.Flag{userFlag()},
				Action:    runPluginInstall,
			},
			{
				Name:      "uninstall",
				Usage:     "Remove a user's installation and its grants",
				ArgsUsage: "<plugin_id>",
				Flags:     []cli.Flag{userFlag()},
				Action:    runPluginUninstall,
			},
			{
				Name:      "enable",
				Usage:     "Activate an installation",
				ArgsUsage: "<plugin_id>",
				Flags:     []cli.Flag{userFlag()},
				Action:    setActive(true),
			},
			{
				Name:      "disable",
				Usage:     "Deactivate an installation",
				ArgsUsage: "<plugin_id>",
				Flags:     []cli.Flag{userFlag()},
				Action:    setActive(false),
			},
			{
				Name:      "grant",
				Usage:     "Grant or revoke permissions on an installation",
				ArgsUsage: "<plugin_id> <permission>...",
				Flags: []cli.Flag{
					userFlag(),
					&cli.BoolFlag{Name: "revoke", Usage: "Record the permissions as not granted"},
				},
				Action: runPluginGrant,
			},
		},
	}
}

func pluginArg(cmd *cli.Command) (string, error) {
	raw := cmd.Args().First()
	if raw == "" {
		return "", fmt.Errorf("usage: newgate plugin %s %s", cmd.Name, cmd.ArgsUsage)
	}
	id, err := pluginid.Parse(raw)
	if err != nil {
		return "", err
	}
	return string(id), nil
}

func runPluginValidate(_ context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("usage: newgate plugin validate <manifest>")
	}
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s) OK\n", m.ID, m.Name)
	fmt.Printf("  source:      %s\n", m.SourceURL)
	fmt.Printf("  permissions: %s\n", strings.Join(m.Permissions, ", "))
	return nil
}

func loadManifests(paths []string) ([]*manifest.Manifest, error) {
	var out []*manifest.Manifest
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			ms, err := manifest.LoadDir(p)
			if err != nil {
				return nil, err
			}
			out = append(out, ms...)
			continue
		}
		m, err := manifest.Load(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func runPluginRegister(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return fmt.Errorf("usage: newgate plugin register <manifest|dir>...")
	}
	ms, err := loadManifests(cmd.Args().Slice())
	if err != nil {
		return err
	}
	st, _, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, m := range ms {
		if err := st.RegisterPlugin(ctx, m.Plugin()); err != nil {
			return fmt.Errorf("register %s: %w", m.ID, err)
		}
		fmt.Printf("registered %s\n", m.ID)
	}
	return nil
}

func runPluginList(ctx context.Context, cmd *cli.Command) error {
	st, _, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListPlugins(ctx, cmd.Bool("published"))
	if err != nil {
		return fmt.Errorf("list plugins: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No plugins registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPUBLISHED\tSOURCE\tPERMISSIONS\tUPDATED")
	for _, p := range list {
		perms := strings.Join(p.Permissions, ",")
		if perms == "" {
			perms = "-"
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n",
			p.PluginID,
			p.Published,
			p.SourceURL,
			perms,
			p.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runPluginInstall(ctx context.Context, cmd *cli.Command) error {
	pluginID, err := pluginArg(cmd)
	if err != nil {
		return err
	}
	st, _, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetPlugin(ctx, pluginID); err != nil {
		return fmt.Errorf("plugin %s: %w", pluginID, err)
	}
	inst, err := st.Install(ctx, cmd.String("user"), pluginID)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	fmt.Printf("installed %s for %s (installation %s)\n", pluginID, inst.UserID, inst.ID)
	return nil
}

func runPluginUninstall(ctx context.Context, cmd *cli.Command) error {
	pluginID, err := pluginArg(cmd)
	if err != nil {
		return err
	}
	st, _, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Uninstall(ctx, cmd.String("user"), pluginID); err != nil {
		return fmt.Errorf("uninstall: %w", err)
	}
	fmt.Printf("uninstalled %s for %s\n", pluginID, cmd.String("user"))
	return nil
}

func setActive(active bool) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		pluginID, err := pluginArg(cmd)
		if err != nil {
			return err
		}
		st, _, err := openStore(ctx, cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetActive(ctx, cmd.String("user"), pluginID, active); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name, err)
		}
		fmt.Printf("%s %sd for %s\n", pluginID, cmd.Name, cmd.String("user"))
		return nil
	}
}

func runPluginGrant(ctx context.Context, cmd *cli.Command) error {
	pluginID, err := pluginArg(cmd)
	if err != nil {
		return err
	}
	perms := cmd.Args().Tail()
	if len(perms) == 0 {
		return fmt.Errorf("usage: newgate plugin grant <plugin_id> <permission>...")
	}
	for _, p := range perms {
		if !permissions.IsPermission(p) {
			return fmt.Errorf("unknown permission %q (known: %s)", p, strings.Join(permissions.All(), ", "))
		}
	}

	st, _, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	granted := !cmd.Bool("revoke")
	for _, p := range perms {
		if err := st.SetGrant(ctx, cmd.String("user"), pluginID, p, granted); err != nil {
			return fmt.Errorf("grant %s: %w", p, err)
		}
	}
	verb := "granted"
	if !granted {
		verb = "revoked"
	}
	fmt.Printf("%s %s on %s for %s\n", verb, strings.Join(perms, ", "), pluginID, cmd.String("user"))
	return nil
}
