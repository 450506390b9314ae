// Widget profile API: serves the YAML-defined embed profiles the loader
// script needs before it creates a channel.
package api

import (
	"net/http"
	"time"

	"github.com/sipeed/picowidget/pkg/widgets"
)

// widgetView is the public shape of a profile. Source paths stay private.
type widgetView struct {
	BotID             string   `json:"bot_id"`
	DisplayName       string   `json:"display_name,omitempty"`
	AllowedDomains    []string `json:"allowed_domains"`
	WidgetOrigin      string   `json:"widget_origin"`
	Position          string   `json:"position"`
	InactivityTimeout int      `json:"inactivity_timeout_seconds"`
	InactivityWarning int      `json:"inactivity_warning_seconds"`
}

func (s *Server) viewOf(p *widgets.Profile) widgetView {
	timeout, warning := p.InactivityTimeout, p.InactivityWarning
	if timeout <= 0 {
		timeout = s.config.Inactivity.Timeout
	}
	if warning <= 0 {
		warning = s.config.Inactivity.Warning
	}
	return widgetView{
		BotID:             p.BotID,
		DisplayName:       p.DisplayName,
		AllowedDomains:    p.AllowedDomains,
		WidgetOrigin:      p.WidgetOrigin,
		Position:          p.Position,
		InactivityTimeout: int(timeout / time.Second),
		InactivityWarning: int(warning / time.Second),
	}
}

// GET /api/widgets: list registered profiles
func (s *Server) handleListWidgets(w http.ResponseWriter, r *http.Request) {
	var list []*widgets.Profile
	if s.container.Widgets != nil {
		list = s.container.Widgets.List()
	}
	views := make([]widgetView, 0, len(list))
	for _, p := range list {
		views = append(views, s.viewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"widgets": views,
		"count":   len(views),
	})
}

// GET /api/widgets/{botId}/embed-config?target=<element id>
//
// Returns the profile plus the data-* attributes for the embed script tag.
// The embed token is never served here; the host page supplies its own.
func (s *Server) handleEmbedConfig(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botId")
	if s.container.Widgets == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown bot " + botID})
		return
	}
	p, ok := s.container.Widgets.Get(botID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown bot " + botID})
		return
	}
	target := r.URL.Query().Get("target")
	if target == "" {
		target = "picowidget-" + p.BotID
	}
	attrs := p.Attributes(target, "")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile": s.viewOf(p),
		"attributes": map[string]string{
			"data-target-id":      attrs.TargetID,
			"data-allowed-domain": attrs.AllowedDomain,
			"data-widget-origin":  attrs.WidgetOrigin,
			"data-bot-id":         attrs.BotID,
		},
	})
}
