// Package feed keeps one surface's projection of the user's notifications: the loaded items
// and an unread counter. Every surface owns its own Feed; feeds never share state.
package feed

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/jobwatch/jobwatch/internal/notification"
)

const defaultPageSize = 20

// API is the notification service a feed reads from and writes to.
type API interface {
	ListNotifications(ctx context.Context, page, limit int) (*notification.Page, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id string) error
	DeleteAllNotifications(ctx context.Context) error
}

// call is one in-flight MarkRead shared by concurrent callers for the same id.
type call struct {
	done chan struct{}
	err  error
}

// Feed applies local changes only after the server acknowledges them, so a failed write
// leaves the feed exactly as it was.
type Feed struct {
	api    API
	limit  int
	logger *slog.Logger

	mu         sync.Mutex
	items      []notification.Notification
	unread     int
	pagination notification.Pagination
	inflight   map[string]*call

	// acked holds ids marked read through this feed while not loaded on it.
	// Read never reverts, so they need no second request.
	acked map[string]bool
}

// New creates an empty feed. pageSize <= 0 selects the default.
func New(api API, pageSize int, logger *slog.Logger) *Feed {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		api:        api,
		limit:      pageSize,
		logger:     logger,
		pagination: notification.Pagination{Page: 0, Limit: pageSize, Pages: 1},
		inflight:   make(map[string]*call),
		acked:      make(map[string]bool),
	}
}

// FetchPage loads one page. Page 1 replaces the loaded items; later pages append.
// The unread counter is reset to the server's count either way.
func (f *Feed) FetchPage(ctx context.Context, page int) (*notification.Page, error) {
	if page < 1 {
		page = 1
	}
	p, err := f.api.ListNotifications(ctx, page, f.limit)
	if err != nil {
		return nil, &FetchError{Page: page, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if page == 1 {
		f.items = slices.Clone(p.Items)
	} else {
		for _, n := range p.Items {
			if f.indexLocked(n.ID) < 0 {
				f.items = append(f.items, n)
			}
		}
	}
	f.unread = max(p.UnreadCount, 0)
	f.pagination = p.Pagination
	return p, nil
}

// MarkRead marks id as read. An item already read locally costs no request, and concurrent
// calls for the same id share one request. The counter drops by at most one.
func (f *Feed) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	if i := f.indexLocked(id); (i >= 0 && f.items[i].Read) || f.acked[id] {
		f.mu.Unlock()
		return nil
	}
	if c, ok := f.inflight[id]; ok {
		f.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	f.inflight[id] = c
	f.mu.Unlock()

	err := f.api.MarkRead(ctx, id)

	f.mu.Lock()
	delete(f.inflight, id)
	if err != nil {
		c.err = &WriteConflictError{Op: "mark read", ID: id, Err: err}
	} else if i := f.indexLocked(id); i < 0 {
		f.acked[id] = true
	} else if !f.items[i].Read {
		f.items[i].Read = true
		f.unread = max(f.unread-1, 0)
	}
	f.mu.Unlock()
	close(c.done)

	if c.err != nil {
		f.logger.Warn("feed: mark read rejected", "notification_id", id, "error", err)
	}
	return c.err
}

// MarkAllRead marks every notification read and zeroes the counter.
func (f *Feed) MarkAllRead(ctx context.Context) error {
	if err := f.api.MarkAllRead(ctx); err != nil {
		f.logger.Warn("feed: mark all read rejected", "error", err)
		return &WriteConflictError{Op: "mark all read", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		f.items[i].Read = true
	}
	f.unread = 0
	return nil
}

// Delete removes id. The counter drops only if the item was unread when it was deleted.
func (f *Feed) Delete(ctx context.Context, id string) error {
	if err := f.api.DeleteNotification(ctx, id); err != nil {
		f.logger.Warn("feed: delete rejected", "notification_id", id, "error", err)
		return &WriteConflictError{Op: "delete", ID: id, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.acked, id)
	i := f.indexLocked(id)
	if i < 0 {
		return nil
	}
	if !f.items[i].Read {
		f.unread = max(f.unread-1, 0)
	}
	f.items = slices.Delete(f.items, i, i+1)
	f.pagination.Total = max(f.pagination.Total-1, 0)
	return nil
}

// DeleteAll empties the feed and zeroes the counter.
func (f *Feed) DeleteAll(ctx context.Context) error {
	if err := f.api.DeleteAllNotifications(ctx); err != nil {
		f.logger.Warn("feed: delete all rejected", "error", err)
		return &WriteConflictError{Op: "delete all", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = nil
	clear(f.acked)
	f.unread = 0
	f.pagination.Total = 0
	f.pagination.Pages = 1
	return nil
}

// OnPush prepends a pushed notification. Each distinct unread notification raises the
// counter by exactly one; a redelivered id is ignored.
func (f *Feed) OnPush(n notification.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.indexLocked(n.ID) >= 0 {
		f.logger.Debug("feed: duplicate push", "notification_id", n.ID)
		return
	}
	f.items = slices.Insert(f.items, 0, n)
	if !n.Read {
		f.unread++
	}
	f.pagination.Total++
}

func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// Items returns a copy of the loaded notifications, newest first.
func (f *Feed) Items() []notification.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.items)
}

func (f *Feed) Pagination() notification.Pagination {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pagination
}

func (f *Feed) indexLocked(id string) int {
	return slices.IndexFunc(f.items, func(n notification.Notification) bool { return n.ID == id })
}
