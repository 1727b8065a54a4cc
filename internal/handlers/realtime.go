package handlers

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/corvalhq/corval/internal/auth"
	"github.com/corvalhq/corval/internal/permissions"
	"github.com/corvalhq/corval/internal/realtime"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/response"
)

// RealtimeHandler upgrades HTTP connections into authenticated WebSocket
// streams. Browsers cannot set headers on websocket dials, so the token is
// accepted from the query string as well.
type RealtimeHandler struct {
	hub     *realtime.Hub
	jwt     *iauth.JWTService
	checker *permissions.Checker
}

// NewRealtimeHandler constructs the websocket entry point.
func NewRealtimeHandler(hub *realtime.Hub, jwt *iauth.JWTService, checker *permissions.Checker) (*RealtimeHandler, error) {
	if hub == nil {
		return nil, errors.New("realtime handler: hub is required")
	}
	if jwt == nil {
		return nil, errors.New("realtime handler: jwt service is required")
	}
	if checker == nil {
		return nil, errors.New("realtime handler: permission checker is required")
	}
	return &RealtimeHandler{hub: hub, jwt: jwt, checker: checker}, nil
}

// Stream validates the caller and hands the connection to the hub.
// Monitoring alerts are restricted to operators; the other topics are open
// to any authenticated user.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		authz := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}

	if token == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	claims, err := h.jwt.ValidateAccessToken(token)
	if err != nil {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	allowed := map[string]struct{}{
		realtime.TopicNotification: {},
		realtime.TopicAssistDelta:  {},
	}
	// Permission check failures leave the alert topic closed.
	if operator, err := h.checker.Check(requestContext(c), userID, "monitoring.view"); err == nil && operator {
		allowed[realtime.TopicMonitoringAlert] = struct{}{}
	}

	topics := gatherTopics(c)
	for _, topic := range topics {
		if _, ok := allowed[topic]; !ok {
			response.Error(c, apperrors.ErrForbidden)
			return
		}
	}

	h.hub.Serve(realtime.ClientInfo{
		UserID:         userID,
		OrganizationID: strings.TrimSpace(claims.OrganizationID),
		Topics:         topics,
		Allowed:        allowed,
	}, c.Writer, c.Request)
}

func gatherTopics(c *gin.Context) []string {
	var topics []string

	for _, topic := range c.QueryArray("topic") {
		if normalized := normalizeTopicParam(topic); normalized != "" {
			topics = append(topics, normalized)
		}
	}

	if raw := c.Query("topics"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if normalized := normalizeTopicParam(part); normalized != "" {
				topics = append(topics, normalized)
			}
		}
	}

	return uniqueTopics(topics)
}

func normalizeTopicParam(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func uniqueTopics(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
