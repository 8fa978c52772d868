package admin

import (
	"lynxa/internal/auth"
	"lynxa/internal/config"
	"lynxa/internal/db"
	"lynxa/internal/upstream"

	"github.com/gin-gonic/gin"
)

// SetupRoutes mounts the admin API behind basic auth.
func SetupRoutes(router *gin.Engine, dbService db.Service, pool upstream.Manager, cfg *config.Config) {
	handler := NewHandler(dbService, pool)

	adminGroup := router.Group("/admin")
	adminGroup.Use(auth.AdminMiddleware(cfg.Admin.Password))
	{
		providerKeysGroup := adminGroup.Group("/provider-keys")
		{
			providerKeysGroup.GET("", handler.ListProviderKeysHandler)
			providerKeysGroup.POST("", handler.CreateProviderKeyHandler)
			providerKeysGroup.POST("/batch", handler.BatchAddProviderKeysHandler)
			providerKeysGroup.DELETE("/batch", handler.BatchDeleteProviderKeysHandler)
			providerKeysGroup.GET("/:id", handler.GetProviderKeyHandler)
			providerKeysGroup.PUT("/:id", handler.UpdateProviderKeyHandler)
			providerKeysGroup.DELETE("/:id", handler.DeleteProviderKeyHandler)
			providerKeysGroup.POST("/:id/test", handler.TestProviderKeyHandler)
		}

		clientKeysGroup := adminGroup.Group("/client-keys")
		{
			clientKeysGroup.GET("", handler.ListClientKeysHandler)
			clientKeysGroup.POST("/reset-usage", handler.ResetClientKeyUsageHandler)
			clientKeysGroup.GET("/:id", handler.GetClientKeyHandler)
			clientKeysGroup.PUT("/:id", handler.UpdateClientKeyHandler)
			clientKeysGroup.DELETE("/:id", handler.DeleteClientKeyHandler)
		}

		usersGroup := adminGroup.Group("/users")
		{
			usersGroup.GET("", handler.ListUsersHandler)
			usersGroup.POST("", handler.CreateUserHandler)
			usersGroup.GET("/:id", handler.GetUserHandler)
			usersGroup.PUT("/:id", handler.UpdateUserHandler)
			usersGroup.DELETE("/:id", handler.DeleteUserHandler)
		}

		orgsGroup := adminGroup.Group("/orgs")
		{
			orgsGroup.GET("", handler.ListOrganizationsHandler)
			orgsGroup.POST("", handler.CreateOrganizationHandler)
			orgsGroup.GET("/:id", handler.GetOrganizationHandler)
			orgsGroup.PUT("/:id", handler.UpdateOrganizationHandler)
			orgsGroup.DELETE("/:id", handler.DeleteOrganizationHandler)
		}
	}
}
