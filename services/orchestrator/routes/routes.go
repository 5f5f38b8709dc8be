// Package routes registers the orchestrator's HTTP surface on a gin
// engine. Conversation and chat routes always exist; archive admin
// routes appear only when an archive is wired in.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moonmehedi/subchat/services/orchestrator/conversation"
	"github.com/moonmehedi/subchat/services/orchestrator/handlers"
	"github.com/moonmehedi/subchat/services/orchestrator/memory"
	"github.com/moonmehedi/subchat/services/orchestrator/services"
)

// SetupRoutes wires every endpoint. archive may be nil when Weaviate is
// unreachable; the chat pipeline still works, it just cannot serve the
// admin group.
func SetupRoutes(router *gin.Engine, forest *conversation.Forest,
	chatService *services.ChatService, archive *memory.Archive) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		conversations := api.Group("/conversations")
		{
			conversations.POST("", handlers.HandleCreateConversation(forest))
			conversations.GET("", handlers.HandleListConversations(forest))
			conversations.GET("/active", handlers.HandleGetActive(forest))
			conversations.GET("/:node_id", handlers.HandleGetConversation(forest))
			conversations.DELETE("/:node_id", handlers.HandleDeleteConversation(forest))
			conversations.POST("/:node_id/subchats", handlers.HandleCreateSubchat(forest))
			conversations.GET("/:node_id/history", handlers.HandleGetHistory(forest))
			conversations.GET("/:node_id/tree", handlers.HandleGetTree(forest))
			conversations.POST("/:node_id/activate", handlers.HandleActivate(forest))
			conversations.POST("/:node_id/messages", handlers.HandleMessage(chatService))
			conversations.POST("/:node_id/messages/stream", handlers.HandleMessageStream(chatService))
			conversations.GET("/:node_id/ws", handlers.HandleConversationSocket(forest, chatService))
		}

		// Archive administration routes
		if archive != nil {
			admin := api.Group("/admin")
			{
				admin.GET("/archive/stats", handlers.HandleArchiveStats(archive))
				admin.DELETE("/archive", handlers.HandleArchiveClear(archive))
				admin.POST("/backups", handlers.HandleBackup(archive))
			}
		}
	}
}
