package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sipeed/picowidget/pkg/api"
	"github.com/sipeed/picowidget/pkg/app"
	"github.com/sipeed/picowidget/pkg/auth"
	"github.com/sipeed/picowidget/pkg/infrastructure/eventbus"
	"github.com/sipeed/picowidget/pkg/infrastructure/persistence"
	"github.com/sipeed/picowidget/pkg/janitor"
	"github.com/sipeed/picowidget/pkg/logger"
	"github.com/sipeed/picowidget/pkg/push"
	"github.com/sipeed/picowidget/pkg/widgets"
)

// serve: run the gateway until interrupted.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (REST, token grant, push channel)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	db, err := persistence.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	bus := eventbus.New()
	defer bus.Close()

	repo := persistence.NewConversationRepository(db)
	conversations := app.NewConversationService(repo, bus, cfg.Janitor.ConversationTTL)
	tokens := auth.NewIssuer(cfg.Refresh.AccessTTL, cfg.Refresh.RefreshTTL)

	registry := widgets.NewRegistry()
	n, warns := registry.Load(cfg.Widgets.Dir)
	logger.InfoCF("serve", "Widget profiles loaded", map[string]interface{}{
		"dir":   cfg.Widgets.Dir,
		"count": n,
	})
	for _, w := range warns {
		logger.ErrorCF("serve", "Widget profile load warning", map[string]interface{}{"warn": w.Error()})
	}

	transport, err := push.NewTransport(ctx, cfg.Push)
	if err != nil {
		return err
	}
	defer transport.Close()
	push.BridgeDomainEvents(bus, transport)

	sweeper, err := janitor.New(cfg.Janitor.Schedule,
		janitor.Task{Name: "expire-conversations", Run: conversations.ExpireDue},
		janitor.Task{Name: "sweep-tokens", Run: func() (int, error) { return tokens.Sweep(), nil }},
	)
	if err != nil {
		return err
	}
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorCF("serve", "Janitor stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	container := app.NewContainer(bus, repo, conversations, tokens, registry)
	server := api.NewServer(cfg, container, transport)
	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.InfoC("serve", "Shutting down")
	return server.Stop()
}
