package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jobwatch/jobwatch/cmd/jobwatch/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "jobwatch",
		Usage: "observe background jobs and the notification feed of a jobwatchd server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "env file path",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "server base URL (JOBWATCH_SERVER_URL)",
			},
			&cli.StringFlag{
				Name:  "api-key",
				Usage: "API key (JOBWATCH_API_KEY)",
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "user id (JOBWATCH_USER_ID)",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "snapshot poll interval (JOBWATCH_POLL_INTERVAL)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := slog.LevelWarn
			if cmd.Bool("debug") {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:      "watch",
				Usage:     "follow a job until it finishes; interrupting cancels it",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "room",
						Usage: "room key (looked up from the job when omitted)",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "print one JSON object per view",
					},
				},
				Action: commands.WatchAction,
			},
			{
				Name:      "submit",
				Usage:     "submit a job",
				ArgsUsage: "<source>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "room",
						Usage:    "room key",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "callback",
						Usage: "callback URL posted when the job finishes",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "watch the job after submitting",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "print one JSON object per view",
					},
				},
				Action: commands.SubmitAction,
			},
			{
				Name:      "status",
				Usage:     "print a job snapshot",
				ArgsUsage: "<job-id>",
				Action:    commands.StatusAction,
			},
			{
				Name:      "cancel",
				Usage:     "cancel a job",
				ArgsUsage: "<job-id>",
				Action:    commands.CancelAction,
			},
			{
				Name:      "reprocess",
				Usage:     "run a failed job again",
				ArgsUsage: "<job-id>",
				Action:    commands.ReprocessAction,
			},
			{
				Name:  "notifications",
				Usage: "notification feed commands",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list notifications",
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:  "page",
								Usage: "page number",
								Value: 1,
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "page size",
								Value: 20,
							},
						},
						Action: commands.NotificationsListAction,
					},
					{
						Name:      "read",
						Usage:     "mark a notification read",
						ArgsUsage: "<id>",
						Action:    commands.NotificationsReadAction,
					},
					{
						Name:   "read-all",
						Usage:  "mark every notification read",
						Action: commands.NotificationsReadAllAction,
					},
					{
						Name:      "delete",
						Usage:     "delete a notification",
						ArgsUsage: "<id>",
						Action:    commands.NotificationsDeleteAction,
					},
					{
						Name:   "clear",
						Usage:  "delete every notification",
						Action: commands.NotificationsClearAction,
					},
					{
						Name:  "tail",
						Usage: "print new notifications as they arrive",
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:  "limit",
								Usage: "initial page size",
								Value: 20,
							},
						},
						Action: commands.NotificationsTailAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "jobwatch:", err)
		os.Exit(1)
	}
}
