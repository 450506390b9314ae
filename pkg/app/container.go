// Package app provides application services that orchestrate domain operations.
// These services sit between the API layer and the domain layer.
package app

import (
	"github.com/sipeed/picowidget/pkg/auth"
	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/domain/conversation"
	"github.com/sipeed/picowidget/pkg/widgets"
)

// ---------------------------------------------------------------------------
// Application container, the dependency injection root
// ---------------------------------------------------------------------------

// Container holds all application services and their dependencies.
type Container struct {
	// Domain event bus
	EventBus domain.EventBus

	// Repositories
	Conversations conversation.Repository

	// Services
	ConversationService *ConversationService
	Tokens              *auth.Issuer
	Widgets             *widgets.Registry
}

// NewContainer creates a fully wired application container.
func NewContainer(
	eventBus domain.EventBus,
	conversations conversation.Repository,
	conversationService *ConversationService,
	tokens *auth.Issuer,
	widgetRegistry *widgets.Registry,
) *Container {
	return &Container{
		EventBus:            eventBus,
		Conversations:       conversations,
		ConversationService: conversationService,
		Tokens:              tokens,
		Widgets:             widgetRegistry,
	}
}
