package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"notibell/internal/app"
	"notibell/internal/config"
	"notibell/internal/devbackend"
	"notibell/pkg/logx"
)

type devBackendCmd struct {
	flags *Flags

	addr   string
	dbPath string
	secret string

	email string
	name  string
}

func newDevBackendCmd(flags *Flags) *devBackendCmd { return &devBackendCmd{flags: flags} }

func (cmd *devBackendCmd) Register(root *cli.Command) *cli.Command {
	shared := []cli.Flag{
		&cli.StringFlag{Name: "db", Usage: "sqlite path (overrides devbackend.db_path)", Destination: &cmd.dbPath},
		&cli.StringFlag{
			Name:        "secret",
			Usage:       "HS256 signing secret (overrides devbackend.jwt_secret)",
			Sources:     cli.EnvVars("NOTIBELL_DEV_SECRET"),
			Destination: &cmd.secret,
		},
	}
	root.Commands = append(root.Commands, &cli.Command{
		Name:  "devbackend",
		Usage: "Local stand-in for the recruitment backend",
		Description: `Serves the REST endpoints the bell uses and a STOMP broker on /ws.
The config file is optional; its devbackend section supplies defaults.`,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the backend until interrupted",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "listen address (overrides devbackend.addr)", Destination: &cmd.addr},
				}, shared...),
				Action: cmd.serve,
			},
			{
				Name:  "token",
				Usage: "Create the user if needed and print an access token",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "email", Usage: "user email", Required: true, Destination: &cmd.email},
					&cli.StringFlag{Name: "name", Usage: "display name", Destination: &cmd.name},
				}, shared...),
				Action: cmd.token,
			},
		},
	})
	return root
}

// config reads the devbackend section when the config file exists and
// applies flag overrides.
func (cmd *devBackendCmd) config() (devbackend.Config, error) {
	cfg := &config.Config{}
	if _, err := os.Stat(cmd.flags.ConfigPath); err == nil {
		parsed, err := config.NewManager(cmd.flags.ConfigPath).Parse()
		if err != nil {
			return devbackend.Config{}, err
		}
		cfg = parsed
	} else if !errors.Is(err, os.ErrNotExist) {
		return devbackend.Config{}, err
	}
	if cmd.addr != "" {
		cfg.DevBackend.Addr = cmd.addr
	}
	if cmd.dbPath != "" {
		cfg.DevBackend.DBPath = cmd.dbPath
	}
	if cmd.secret != "" {
		cfg.DevBackend.JWTSecret = cmd.secret
	}
	return app.DevBackendConfig(cfg)
}

func (cmd *devBackendCmd) serve(ctx context.Context, _ *cli.Command) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dc, err := cmd.config()
	if err != nil {
		return err
	}
	level := cmd.flags.LogLevel
	if level == "" {
		level = "info"
	}
	logs, log := logx.New(logx.Config{Level: level, Console: true})
	defer logs.Close()

	srv, err := devbackend.New(dc, log.With(logx.String("comp", "devbackend")))
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Run(ctx)
}

func (cmd *devBackendCmd) token(ctx context.Context, _ *cli.Command) error {
	dc, err := cmd.config()
	if err != nil {
		return err
	}
	db, err := devbackend.OpenDB(dc.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	u, err := db.EnsureUser(ctx, cmd.email, cmd.name)
	if err != nil {
		return err
	}
	tok, err := devbackend.IssueToken(dc.Secret, u, dc.TokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
