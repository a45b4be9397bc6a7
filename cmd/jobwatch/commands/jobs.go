package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jobwatch/jobwatch/internal/job"
)

func SubmitAction(ctx context.Context, cmd *cli.Command) error {
	source := cmd.Args().First()
	if source == "" {
		return errors.New("usage: jobwatch submit <source> --room <room>")
	}
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}
	j, err := app.API.SubmitJob(ctx, job.CreateRequest{
		RoomKey:     cmd.String("room"),
		Source:      source,
		CallbackURL: cmd.String("callback"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("submitted %s (room %s)\n", j.ID, j.RoomKey)
	if !cmd.Bool("watch") {
		return nil
	}
	return watchJob(ctx, cmd, app, j.ID, j.RoomKey)
}

func StatusAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("usage: jobwatch status <job-id>")
	}
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}
	snap, err := app.API.GetJob(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func CancelAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("usage: jobwatch cancel <job-id>")
	}
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}
	if err := app.API.CancelJob(ctx, id); err != nil {
		return err
	}
	fmt.Printf("cancel requested for %s\n", id)
	return nil
}

func ReprocessAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("usage: jobwatch reprocess <job-id>")
	}
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}
	if err := app.API.ReprocessJob(ctx, id); err != nil {
		if errors.Is(err, job.ErrConflict) {
			return fmt.Errorf("job %s is not failed", id)
		}
		return err
	}
	fmt.Printf("reprocessing %s\n", id)
	return nil
}
