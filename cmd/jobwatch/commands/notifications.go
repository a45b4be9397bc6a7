package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jobwatch/jobwatch/internal/feed"
	"github.com/jobwatch/jobwatch/internal/notification"
	"github.com/jobwatch/jobwatch/internal/rooms"
)

func NotificationsListAction(ctx context.Context, cmd *cli.Command) error {
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}
	f := feed.New(app.API, cmd.Int("limit"), app.Logger)
	if _, err := f.FetchPage(ctx, cmd.Int("page")); err != nil {
		return err
	}
	renderNotifications(os.Stdout, f.Items())
	pg := f.Pagination()
	fmt.Printf("unread: %d  page %d/%d  total %d\n", f.Unread(), pg.Page, pg.Pages, pg.Total)
	return nil
}

func NotificationsReadAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("usage: jobwatch notifications read <id>")
	}
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}
	if err := feed.New(app.API, 0, app.Logger).MarkRead(ctx, id); err != nil {
		return err
	}
	fmt.Printf("marked %s read\n", id)
	return nil
}

func NotificationsReadAllAction(ctx context.Context, cmd *cli.Command) error {
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}
	if err := feed.New(app.API, 0, app.Logger).MarkAllRead(ctx); err != nil {
		return err
	}
	fmt.Println("all notifications marked read")
	return nil
}

func NotificationsDeleteAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("usage: jobwatch notifications delete <id>")
	}
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}
	if err := feed.New(app.API, 0, app.Logger).Delete(ctx, id); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func NotificationsClearAction(ctx context.Context, cmd *cli.Command) error {
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}
	if err := feed.New(app.API, 0, app.Logger).DeleteAll(ctx); err != nil {
		return err
	}
	fmt.Println("all notifications deleted")
	return nil
}

// NotificationsTailAction loads the first page and then prints every pushed notification
// with the running unread count until interrupted.
func NotificationsTailAction(ctx context.Context, cmd *cli.Command) error {
	app, err := NewAppContext(cmd)
	if err != nil {
		return err
	}

	var manager *rooms.Manager
	sock, err := app.NewSocket(func() *rooms.Manager { return manager })
	if err != nil {
		return err
	}
	manager = rooms.NewManager(sock, app.Logger)
	_ = manager.JoinUserRoom(ctx, app.Config.UserID) // replayed by Rejoin once connected

	f := feed.New(app.API, cmd.Int("limit"), app.Logger)
	if _, err := f.FetchPage(ctx, 1); err != nil {
		return err
	}
	renderNotifications(os.Stdout, f.Items())
	fmt.Printf("unread: %d\n", f.Unread())

	fanout := feed.NewFanout(app.Logger)
	fanout.Register(f)
	defer fanout.Unregister(f)

	go sock.Run(ctx)
	for msg := range sock.Events() {
		if !manager.Observed(msg.Room) {
			continue
		}
		before := f.Items()
		fanout.HandleMessage(app.Config.UserID, msg)
		for _, n := range newItems(before, f.Items()) {
			fmt.Printf("[%s] %s: %s  (unread: %d)\n", n.Type, n.Title, n.Message, f.Unread())
		}
	}
	return nil
}

func renderNotifications(w io.Writer, items []notification.Notification) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Type", "Title", "Read", "Created At")
	for _, n := range items {
		read := ""
		if n.Read {
			read = "yes"
		}
		table.Append(
			n.ID,
			string(n.Type),
			truncate(n.Title, 50),
			read,
			n.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
