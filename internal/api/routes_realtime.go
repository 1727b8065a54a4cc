package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
)

// The websocket endpoint validates tokens itself because browsers cannot
// attach Authorization headers to websocket dials.
func registerRealtimeRoutes(engine *gin.Engine, handler *handlers.RealtimeHandler) {
	engine.GET("/api/realtime/ws", handler.Stream)
}
