package feed

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jobwatch/jobwatch/internal/notification"
	"github.com/jobwatch/jobwatch/internal/push"
)

// Fanout hands each pushed notification to every live feed. It holds references to the
// feeds only; each feed still owns its items and counter.
type Fanout struct {
	logger *slog.Logger

	mu    sync.RWMutex
	feeds map[*Feed]struct{}
}

func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger, feeds: make(map[*Feed]struct{})}
}

func (x *Fanout) Register(f *Feed) {
	x.mu.Lock()
	x.feeds[f] = struct{}{}
	x.mu.Unlock()
}

func (x *Fanout) Unregister(f *Feed) {
	x.mu.Lock()
	delete(x.feeds, f)
	x.mu.Unlock()
}

// Dispatch delivers n to every registered feed, visible or not.
func (x *Fanout) Dispatch(n notification.Notification) {
	x.mu.RLock()
	feeds := make([]*Feed, 0, len(x.feeds))
	for f := range x.feeds {
		feeds = append(feeds, f)
	}
	x.mu.RUnlock()

	for _, f := range feeds {
		f.OnPush(n)
	}
}

// HandleMessage dispatches notification:new frames addressed to the user's room and ignores everything else.
func (x *Fanout) HandleMessage(userID string, msg push.Message) {
	if msg.Type != push.MessageTypeNotificationNew {
		return
	}
	if msg.Room != push.UserRoom(userID) {
		x.logger.Debug("feed: dropped notification for another room", "room", msg.Room)
		return
	}
	var n notification.Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil || n.ID == "" {
		x.logger.Warn("feed: invalid notification frame", "error", err)
		return
	}
	x.Dispatch(n)
}
