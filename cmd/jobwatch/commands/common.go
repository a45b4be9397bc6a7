// Package commands holds the jobwatch CLI actions.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jobwatch/jobwatch/internal/client"
	"github.com/jobwatch/jobwatch/internal/config"
	"github.com/jobwatch/jobwatch/internal/rooms"
)

// AppContext is what every command needs: resolved settings and an API client.
type AppContext struct {
	Config *config.ObserverConfig
	API    *client.API
	Logger *slog.Logger
}

// NewAppContext loads the env file, applies flag overrides and builds the API client.
func NewAppContext(cmd *cli.Command) (*AppContext, error) {
	cfg, err := config.LoadObserver(cmd.String("env"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cmd.IsSet("server") {
		cfg.ServerURL = cmd.String("server")
	}
	if cmd.IsSet("api-key") {
		cfg.APIKey = cmd.String("api-key")
	}
	if cmd.IsSet("user") {
		cfg.UserID = cmd.String("user")
	}
	if cmd.IsSet("poll-interval") {
		cfg.PollInterval = cmd.Duration("poll-interval")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	api, err := client.NewAPI(client.APIConfig{
		BaseURL: cfg.ServerURL,
		APIKey:  cfg.APIKey,
		UserID:  cfg.UserID,
	})
	if err != nil {
		return nil, err
	}
	return &AppContext{Config: cfg, API: api, Logger: slog.Default()}, nil
}

// NewSocket builds a push socket that replays the room manager's membership on every connect.
// manager is resolved lazily because the manager itself needs the socket as its transport.
func (a *AppContext) NewSocket(manager func() *rooms.Manager) (*client.Socket, error) {
	return client.NewSocket(client.SocketConfig{
		BaseURL: a.Config.ServerURL,
		APIKey:  a.Config.APIKey,
		UserID:  a.Config.UserID,
		Logger:  a.Logger,
		OnConnect: func(ctx context.Context) {
			m := manager()
			m.Reset()
			if err := m.Rejoin(ctx); err != nil {
				a.Logger.Warn("rooms: rejoin after connect failed", "error", err)
			}
		},
	})
}
