package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"notibell/internal/app"
	"notibell/internal/config"
)

type runCmd struct {
	flags *Flags
}

func newRunCmd(flags *Flags) *runCmd { return &runCmd{flags: flags} }

func (cmd *runCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:  "run",
		Usage: "Run the bell: keep the session, push stream and cache alive until interrupted",
		Description: `Signs in with the configured credential, subscribes to the per-user
push topic and keeps the notification cache fresh. Config edits are applied
live. This is also what 'notibell' does with no command.`,
		Action: cmd.run,
	})
	return root
}

func (cmd *runCmd) run(ctx context.Context, _ *cli.Command) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cmd.flags.ConfigPath, app.WithLogLevel(cmd.flags.LogLevel))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason, fatal := app.StopSignal, a.Err()
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError && fatal != nil {
		return fatal
	}
	return nil
}

type checkCmd struct {
	flags *Flags
}

func newCheckCmd(flags *Flags) *checkCmd { return &checkCmd{flags: flags} }

func (cmd *checkCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:   "check",
		Usage:  "Validate the config file and exit",
		Action: cmd.run,
	})
	return root
}

func (cmd *checkCmd) run(ctx context.Context, _ *cli.Command) error {
	m := config.NewManager(cmd.flags.ConfigPath, config.WithValidator(config.Validate))
	if _, err := m.Load(ctx); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", cmd.flags.ConfigPath)
	return nil
}
