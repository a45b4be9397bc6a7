package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jobwatch/jobwatch/internal/feed"
	"github.com/jobwatch/jobwatch/internal/job"
	"github.com/jobwatch/jobwatch/internal/notification"
	"github.com/jobwatch/jobwatch/internal/observer"
	"github.com/jobwatch/jobwatch/internal/rooms"
)

// WatchAction observes one job until it completes or the user interrupts.
// Interrupting detaches, which asks the server to cancel a job that has not finished.
func WatchAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.Args().First()
	if jobID == "" {
		return errors.New("usage: jobwatch watch <job-id>")
	}
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}

	roomKey := cmd.String("room")
	if roomKey == "" {
		snap, err := app.API.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		roomKey = snap.RoomKey
	}
	return watchJob(ctx, cmd, app, jobID, roomKey)
}

// resultGrace bounds how long --json output waits for the result of a completion pushed without it.
const resultGrace = 5 * time.Second

func watchJob(ctx context.Context, cmd *cli.Command, app *AppContext, jobID, roomKey string) error {
	restartRefused := make(chan error, 1)
	onRefused := func(id string, err error) {
		if id != jobID {
			return
		}
		select {
		case restartRefused <- err:
		default:
		}
	}

	var session *observer.Session
	sock, err := app.NewSocket(func() *rooms.Manager { return session.Rooms() })
	if err != nil {
		return err
	}
	session = observer.NewSession(app.API, sock, observer.SessionConfig{
		PollInterval:    app.Config.PollInterval,
		EstimateTick:    app.Config.EstimateTick,
		CancelTimeout:   app.Config.CancelTimeout,
		OnRestartFailed: onRefused,
		Logger:          app.Logger,
	})
	defer session.Close()

	// Notifications arrive on the same connection while watching.
	notes := feed.New(app.API, 0, app.Logger)
	fanout := feed.NewFanout(app.Logger)
	fanout.Register(notes)
	_ = session.Rooms().JoinUserRoom(ctx, app.Config.UserID) // replayed by Rejoin once connected

	views, err := session.Attach(ctx, jobID, roomKey)
	if err != nil {
		return err
	}

	sockCtx, stopSocket := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSocket()
	go sock.Run(sockCtx)

	p := &viewPrinter{w: os.Stdout, json: cmd.Bool("json")}
	events := sock.Events()
	var (
		resultWait <-chan time.Time
		completed  observer.JobView
	)
	for {
		select {
		case <-ctx.Done():
			last, _ := session.Detach(jobID)
			p.detached(last)
			return nil

		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			session.HandleMessage(msg)
			before := notes.Items()
			fanout.HandleMessage(app.Config.UserID, msg)
			p.notifications(newItems(before, notes.Items()))

		case err := <-restartRefused:
			return fmt.Errorf("job %s failed and could not be restarted: %w", jobID, err)

		case <-resultWait:
			p.view(completed, 0)
			return nil

		case v, ok := <-views:
			if !ok {
				return nil
			}
			if p.json && observer.MissingResult(v) {
				// The result follows from a pull; print the view once it has arrived.
				if resultWait == nil {
					completed = v
					resultWait = time.After(resultGrace)
				}
				continue
			}
			remaining, _ := session.Remaining(jobID)
			p.view(v, remaining)
			switch {
			case v.Status == job.StatusCompleted:
				return nil
			case v.Status == job.StatusFailed && v.Revision > 1:
				return fmt.Errorf("job %s failed: %s", jobID, v.Error)
			}
			// A job already failed on attach gets one automatic restart; keep watching it.
		}
	}
}

func newItems(before, after []notification.Notification) []notification.Notification {
	seen := make(map[string]bool, len(before))
	for _, n := range before {
		seen[n.ID] = true
	}
	var out []notification.Notification
	for _, n := range after {
		if !seen[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

type viewPrinter struct {
	w    io.Writer
	json bool
}

func (p *viewPrinter) view(v observer.JobView, remaining int) {
	if p.json {
		out := struct {
			observer.JobView
			RemainingSeconds int `json:"remaining_seconds"`
		}{v, remaining}
		json.NewEncoder(p.w).Encode(out) //nolint:errcheck
		return
	}
	line := fmt.Sprintf("%s  %-10s %3d%%", time.Now().Format("15:04:05"), v.Status, v.Progress)
	switch {
	case v.Status == job.StatusFailed:
		line += "  error: " + v.Error
	case !v.Status.IsTerminal():
		line += fmt.Sprintf("  ~%ds left", remaining)
	}
	fmt.Fprintln(p.w, line)
}

func (p *viewPrinter) notifications(items []notification.Notification) {
	for _, n := range items {
		if p.json {
			json.NewEncoder(p.w).Encode(n) //nolint:errcheck
			continue
		}
		fmt.Fprintf(p.w, "%s  [%s] %s: %s\n", time.Now().Format("15:04:05"), n.Type, n.Title, n.Message)
	}
}

func (p *viewPrinter) detached(last observer.JobView) {
	if p.json {
		return
	}
	if last.Status.IsTerminal() {
		fmt.Fprintf(p.w, "detached (%s)\n", last.Status)
		return
	}
	fmt.Fprintf(p.w, "detached at %d%%, cancel requested\n", last.Progress)
}
