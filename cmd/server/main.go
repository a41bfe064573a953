package main

import (
	"context"
	"log"
	"net/http"

	config "farma-chat-api/configs"
	"farma-chat-api/pkg/handlers"
	"farma-chat-api/pkg/openai"
	"farma-chat-api/pkg/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}

	cfg := config.LoadConfig()

	r := gin.Default()

	// Services.
	monitoringService := services.NewMonitoringService()
	openaiClient := openai.NewClient(cfg.OpenAIEndpoint, cfg.OpenAIAPIKey, cfg.OpenAIChatModel, cfg.OpenAIEmbeddingModel)

	catalogService := services.NewCatalogService()
	if snapshot, err := services.LoadSnapshotFromDir(cfg.DataDir); err != nil {
		log.Printf("Warning: could not load catalog from %s: %v", cfg.DataDir, err)
	} else {
		catalogService.Reload(snapshot)
		log.Printf("catalog loaded: %d products, %d stores", len(snapshot.Products), len(snapshot.Inventory))
	}

	watcher, err := services.NewCatalogWatcher(catalogService, cfg.DataDir)
	if err != nil {
		log.Printf("Warning: catalog watcher disabled: %v", err)
	} else if err := watcher.Start(context.Background()); err != nil {
		log.Printf("Warning: catalog watcher failed to start: %v", err)
	}

	vectorStoreService, err := services.NewVectorStoreService(openaiClient, cfg.QdrantURL, cfg.QdrantAPIKey)
	if err != nil {
		log.Fatalf("Failed to initialize VectorStoreService: %v", err)
	}

	contextService := services.NewContextService(catalogService)

	functionCatalog, err := config.LoadFunctionCatalog(cfg.FunctionCatalogPath)
	if err != nil {
		log.Fatalf("Failed to load function catalog: %v", err)
	}
	registry := services.NewToolRegistry()
	productTools := services.NewProductTools(catalogService, vectorStoreService, contextService)
	if err := productTools.RegisterAll(registry, functionCatalog); err != nil {
		log.Fatalf("Failed to register product functions: %v", err)
	}

	promptConfig, err := config.LoadSystemPrompt(cfg.SystemPromptPath)
	if err != nil {
		log.Fatalf("Failed to load system prompt: %v", err)
	}
	runService := services.NewRunService(
		services.OpenAIStreamer{Client: openaiClient},
		registry,
		promptConfig.BuildSystemPrompt(),
		cfg.MaxAnswerTokens,
	)

	// Handlers.
	chatHandler := handlers.NewChatHandler(runService)
	adminHandler := handlers.NewAdminHandler(catalogService, vectorStoreService, cfg.DataDir)
	monitoringHandler := handlers.NewMonitoringHandler(monitoringService)

	// Middleware.
	r.Use(monitoringService.LoggingMiddleware())
	r.Use(cors.Default())

	authMiddleware := func(apiKey string) gin.HandlerFunc {
		return func(c *gin.Context) {
			if apiKey == "" || apiKey == "default_secret_key" {
				c.Next()
				return
			}
			providedKey := c.GetHeader("X-API-KEY")
			if providedKey != apiKey {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			c.Next()
		}
	}

	r.GET("/health", handlers.HealthCheck)

	v1 := r.Group("/api/v1")
	v1.Use(authMiddleware(cfg.APIKey))
	{
		chat := v1.Group("/chat")
		{
			chat.POST("/turn", chatHandler.PostTurn)
			chat.POST("/cancel", chatHandler.CancelTurn)
		}

		admin := v1.Group("/admin")
		{
			admin.GET("/health-status", adminHandler.GetHealthStatus)
			admin.POST("/reload", adminHandler.ReloadCatalog)
			admin.POST("/maintenance/start", adminHandler.StartMaintenance)
			admin.POST("/maintenance/stop", adminHandler.StopMaintenance)
		}

		monitoring := v1.Group("/monitoring")
		{
			monitoring.GET("/logs", monitoringHandler.GetLogs)
		}
	}

	log.Printf("Starting farma-chat-api server on :%s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
