package handler

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

const commandKey = "slack.command"

// Texts for requests rejected before they reach a command.
const (
	panicText       = "Error: Something went wrong. Please try again later."
	throttledText   = "Too many requests. Please wait a moment and try again."
	missingText     = "Missing required parameters"
	badCommandText  = "Invalid command format"
	badSignatureMsg = "invalid request signature"
)

// RecoveryMiddleware recovers from panics in handlers and answers with a generic error.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("path", c.Request.URL.Path).
					Msg("Recovered from panic in handler")
				c.AbortWithStatusJSON(http.StatusOK, failure(panicText))
			}
		}()
		c.Next()
	}
}

// VerifySignature rejects requests whose X-Slack-Signature does not match the
// signing secret. An empty secret disables verification.
func VerifySignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sv, err := slack.NewSecretsVerifier(c.Request.Header, secret)
		if err == nil {
			_, err = sv.Write(body)
		}
		if err == nil {
			err = sv.Ensure()
		}
		if err != nil {
			log.Warn().Err(err).Str("remote_addr", c.ClientIP()).Msg("Rejected unsigned request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": badSignatureMsg})
			return
		}

		c.Next()
	}
}

// RateLimitMiddleware throttles all requests through one shared token bucket
// refilled at requestsPerMinute. A non-positive value disables throttling.
func RateLimitMiddleware(requestsPerMinute int) gin.HandlerFunc {
	if requestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			log.Warn().Str("path", c.Request.URL.Path).Msg("Command endpoint rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, failure(throttledText))
			return
		}
		c.Next()
	}
}

// CommandMiddleware parses the slash command form and stores it on the context.
func CommandMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cmd, err := slack.SlashCommandParse(c.Request)
		if err != nil || cmd.Command == "" || cmd.UserID == "" || cmd.ChannelID == "" {
			log.Warn().Err(err).Msg("Missing required parameters")
			c.AbortWithStatusJSON(http.StatusBadRequest, failure(missingText))
			return
		}
		if cmd.Command[0] != '/' {
			log.Warn().Str("command", cmd.Command).Msg("Invalid command format")
			c.AbortWithStatusJSON(http.StatusBadRequest, failure(badCommandText))
			return
		}

		c.Set(commandKey, cmd)
		c.Next()
	}
}

// LoggingMiddleware logs every parsed command.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		cmd, ok := commandFrom(c)
		if !ok {
			return
		}
		log.Debug().
			Str("command", cmd.Command).
			Str("user_id", cmd.UserID).
			Str("channel_id", cmd.ChannelID).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Handled command")
	}
}

func commandFrom(c *gin.Context) (slack.SlashCommand, bool) {
	v, ok := c.Get(commandKey)
	if !ok {
		return slack.SlashCommand{}, false
	}
	cmd, ok := v.(slack.SlashCommand)
	return cmd, ok
}
