package rest

import (
	"context"
	"net/http"

	"guildstats/internal/domain"
	"guildstats/internal/logger"
)

const guildInfoPath = "/api/guild-info"

type StatsProvider interface {
	Compute(ctx context.Context) (domain.ServerStats, error)
	Placeholder() domain.ServerStats
}

type StatsHandler struct {
	stats StatsProvider
	log   logger.Logger
}

func NewStatsHandler(stats StatsProvider, log logger.Logger) *StatsHandler {
	return &StatsHandler{stats: stats, log: log}
}

func (h *StatsHandler) Config(w http.ResponseWriter, r *http.Request) {
	if err := JSON(w, http.StatusOK, domain.ClientConfig{BotAPIURL: guildInfoPath}); err != nil {
		JSONError(w, http.StatusInternalServerError, "Failed to load config", err.Error())
	}
}

// GuildInfo always answers with some stats: any upstream failure degrades to
// the placeholder record.
func (h *StatsHandler) GuildInfo(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Compute(r.Context())
	if err != nil {
		h.log.Warn("http: guild info degraded to placeholder", "error", err, "class", domain.FailureClass(err))
		stats = h.stats.Placeholder()
	} else {
		h.log.Debug("http: guild info computed", "total", stats.TotalMembers, "online", stats.OnlineMembers)
	}

	if err := JSON(w, http.StatusOK, stats); err != nil {
		h.log.Error("http: failed to encode guild info", "error", err)
		JSONError(w, http.StatusInternalServerError, "Failed to fetch guild info", err.Error())
	}
}
