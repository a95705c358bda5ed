package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"notibell/internal/app"
)

// withSession builds the app, signs in once and runs fn. Nothing is
// started: no stream, no schedule, no status server.
func withSession(ctx context.Context, flags *Flags, fn func(ctx context.Context, a *app.App) error) error {
	level := flags.LogLevel
	if level == "" {
		level = "warn"
	}
	a, err := app.New(ctx, flags.ConfigPath, app.WithLogLevel(level))
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := a.Session().Init(ctx); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	return fn(ctx, a)
}

type bellCmd struct {
	flags *Flags

	jsonOutput bool
	all        bool
}

func newBellCmd(flags *Flags) *bellCmd { return &bellCmd{flags: flags} }

func (cmd *bellCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:  "bell",
		Usage: "Show or act on notifications",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "Print the notification list",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &cmd.jsonOutput},
				},
				Action: cmd.list,
			},
			{
				Name:      "read",
				Usage:     "Mark notifications as read",
				UsageText: "notibell bell read <id>... | --all",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Usage: "mark every unread notification", Destination: &cmd.all},
				},
				Action: cmd.read,
			},
			{
				Name:      "open",
				Usage:     "Print one notification and mark it read",
				UsageText: "notibell bell open <id>",
				Action:    cmd.open,
			},
		},
	})
	return root
}

func (cmd *bellCmd) list(ctx context.Context, _ *cli.Command) error {
	return withSession(ctx, cmd.flags, func(ctx context.Context, a *app.App) error {
		items, err := a.Inbox().List(ctx)
		if err != nil {
			return err
		}
		if cmd.jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}
		return a.RenderBell(os.Stdout)
	})
}

func (cmd *bellCmd) read(ctx context.Context, c *cli.Command) error {
	ids, err := parseIDs(c.Args().Slice())
	if err != nil {
		return err
	}
	if len(ids) == 0 && !cmd.all {
		return errors.New("give at least one id or --all")
	}
	return withSession(ctx, cmd.flags, func(ctx context.Context, a *app.App) error {
		b := a.Inbox()
		if _, err := b.List(ctx); err != nil {
			return err
		}
		if cmd.all {
			n, err := b.MarkAllRead(ctx)
			fmt.Printf("marked %d read\n", n)
			return err
		}
		var errs []error
		for _, id := range ids {
			if err := b.MarkRead(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("#%d: %w", id, err))
			}
		}
		return errors.Join(errs...)
	})
}

func (cmd *bellCmd) open(ctx context.Context, c *cli.Command) error {
	ids, err := parseIDs(c.Args().Slice())
	if err != nil {
		return err
	}
	if len(ids) != 1 {
		return errors.New("give exactly one id")
	}
	return withSession(ctx, cmd.flags, func(ctx context.Context, a *app.App) error {
		if _, err := a.Inbox().List(ctx); err != nil {
			return err
		}
		n, err := a.Inbox().Open(ctx, ids[0])
		if n.ID != 0 {
			fmt.Printf("#%d %s\n%s\n%s\n", n.ID, n.Title, n.CreatedAt.In(time.Local).Format(time.RFC1123), n.Content)
		}
		return err
	})
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type resumesCmd struct {
	flags *Flags
}

func newResumesCmd(flags *Flags) *resumesCmd { return &resumesCmd{flags: flags} }

func (cmd *resumesCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:   "resumes",
		Usage:  "List the signed-in user's resumes",
		Action: cmd.run,
	})
	return root
}

func (cmd *resumesCmd) run(ctx context.Context, _ *cli.Command) error {
	return withSession(ctx, cmd.flags, func(ctx context.Context, a *app.App) error {
		list, err := a.Resumes(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No resumes found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tJOB\tUPDATED\tURL")
		for _, r := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.JobName, r.UpdatedAt.In(time.Local).Format("2006-01-02 15:04"), r.URL)
		}
		return w.Flush()
	})
}
