// Package handler exposes the Slack slash-command endpoint over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"kudos-bot/internal/pkg/metrics"
	"kudos-bot/internal/service"
)

// Slash commands understood by the bot.
const (
	CommandGive   = "/i-want-to-give"
	CommandMine   = "/mine"
	CommandTopTen = "/top-ten"
	CommandHelp   = "/help"
)

const unknownCommandText = "Unknown command. Use /help to see available commands."

// Commands is the donation engine as seen by the router.
type Commands interface {
	Give(ctx context.Context, senderExternalID, text, channelID string) service.Response
	Balance(ctx context.Context, externalID string) service.Response
	TopTen(ctx context.Context) service.Response
	Help() service.Response
}

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures the router middleware.
type Options struct {
	SigningSecret     string
	RequestsPerMinute int
}

// Router dispatches slash commands to the donation engine.
type Router struct {
	commands Commands
	health   HealthChecker
}

// NewRouter builds the gin engine serving the command, health and metrics endpoints.
func NewRouter(commands Commands, health HealthChecker, opts Options) *gin.Engine {
	r := &Router{commands: commands, health: health}

	engine := gin.New()
	engine.Use(RecoveryMiddleware())

	engine.GET("/healthz", r.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	slackGroup := engine.Group("/slack",
		VerifySignature(opts.SigningSecret),
		RateLimitMiddleware(opts.RequestsPerMinute),
		LoggingMiddleware(),
		CommandMiddleware(),
	)
	slackGroup.POST("/commands", r.handleCommand)

	return engine
}

func (r *Router) handleCommand(c *gin.Context) {
	cmd, _ := commandFrom(c)
	ctx := c.Request.Context()
	start := time.Now()

	var resp service.Response
	switch cmd.Command {
	case CommandGive:
		resp = r.commands.Give(ctx, cmd.UserID, cmd.Text, cmd.ChannelID)
	case CommandMine:
		resp = r.commands.Balance(ctx, cmd.UserID)
	case CommandTopTen:
		resp = r.commands.TopTen(ctx)
	case CommandHelp:
		resp = r.commands.Help()
	default:
		log.Warn().Str("command", cmd.Command).Msg("Unknown command received")
		c.JSON(http.StatusOK, failure(unknownCommandText))
		return
	}
	metrics.ObserveCommand(cmd.Command, time.Since(start))

	if !resp.Success {
		c.JSON(http.StatusOK, failure(resp.Text))
		return
	}
	c.JSON(http.StatusOK, ephemeral(resp.Text))
}

func (r *Router) handleHealth(c *gin.Context) {
	if err := r.health.HealthCheck(c.Request.Context()); err != nil {
		log.Error().Err(err).Msg("Health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ephemeral(text string) slack.Msg {
	return slack.Msg{ResponseType: slack.ResponseTypeEphemeral, Text: text}
}

func failure(text string) slack.Msg {
	return ephemeral(":x: " + text)
}
