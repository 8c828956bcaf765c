package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gowa-connect/config"
	"gowa-connect/database"
	"gowa-connect/internal/credential"
	"gowa-connect/internal/handler"
	"gowa-connect/internal/helper"
	"gowa-connect/internal/history"
	customMiddleware "gowa-connect/internal/middleware"
	"gowa-connect/internal/service"
	"gowa-connect/internal/session"
	"gowa-connect/internal/transport"
	"gowa-connect/internal/ws"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

func main() {

	// Load .env (abaikan error kalau file tidak ada, misal di production)
	_ = godotenv.Load()

	//jwt secret untuk API auth
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Println("JWT_SECRET is not set")
	}
	service.InitAuthConfig(jwtSecret)

	// utility mode: terbitkan API token lalu keluar
	if len(os.Args) > 2 && os.Args[1] == "--issue-token" {
		token, err := service.GenerateAccessToken(os.Args[2], "api")
		if err != nil {
			log.Fatal("Failed to issue token:", err)
		}
		fmt.Println(token)
		return
	}

	//database whatsmeow (device key material)
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	database.InitWhatsmeow(dbURL)

	//database custom (credential snapshots)
	appDbURL := os.Getenv("APP_DATABASE_URL")
	if appDbURL == "" {
		appDbURL = dbURL
	}
	database.InitAppDB(appDbURL)

	// feature flags (WEBHOOK & WEBSOCKET)
	wsEnv := strings.ToLower(os.Getenv("GOWA_ENABLE_WEBSOCKET_INCOMING_MSG"))
	webhookEnv := strings.ToLower(os.Getenv("GOWA_ENABLE_WEBHOOK"))

	config.EnableWebsocketIncomingMessage = (wsEnv == "true")
	config.EnableWebhook = (webhookEnv == "true")
	config.WebhookURL = os.Getenv("GOWA_WEBHOOK_URL")
	config.WebhookSecret = os.Getenv("GOWA_WEBHOOK_SECRET")

	// Connection manager tunables
	config.MaxSessions = helper.GetEnvAsInt("MAX_SESSIONS", 50)
	config.ConnectTimeoutSeconds = helper.GetEnvAsInt("CONNECT_TIMEOUT_SECONDS", 15)
	config.PairingTimeoutSeconds = helper.GetEnvAsInt("PAIRING_TIMEOUT_SECONDS", 30)
	config.ChallengeTTLMinutes = helper.GetEnvAsInt("CHALLENGE_TTL_MINUTES", 5)
	config.KeepAliveIntervalSeconds = helper.GetEnvAsInt("KEEPALIVE_INTERVAL_SECONDS", 15)
	config.CredFlushIntervalSeconds = helper.GetEnvAsInt("CRED_FLUSH_INTERVAL_SECONDS", 60)
	config.CleanupIntervalMinutes = helper.GetEnvAsInt("CLEANUP_INTERVAL_MINUTES", 30)
	config.HistoryBatchSize = helper.GetEnvAsInt("HISTORY_BATCH_SIZE", 10)
	config.HistoryBatchDelayMs = helper.GetEnvAsInt("HISTORY_BATCH_DELAY_MS", 200)
	config.ReconnectBaseDelaySeconds = helper.GetEnvAsInt("RECONNECT_BASE_DELAY_SECONDS", 5)
	config.ReconnectMaxDelaySeconds = helper.GetEnvAsInt("RECONNECT_MAX_DELAY_SECONDS", 60)
	config.ReconnectMaxRetries = helper.GetEnvAsInt("RECONNECT_MAX_RETRIES", 5)

	log.Printf("feature flags -> websocket_incoming_msg: %v, webhook: %v, max_sessions: %d",
		config.EnableWebsocketIncomingMessage, config.EnableWebhook, config.MaxSessions)

	// **************************
	// main proses.
	//***************************

	// Credential store di Postgres
	credStore, err := credential.NewPostgresStore(database.AppDB)
	if err != nil {
		log.Fatal("Failed to init credential store:", err)
	}

	// Inisialisasi WebSocket Hub
	hub := ws.NewHub()
	go hub.Run()

	// Collaborator fan-out (ws + webhook)
	var webhook *service.WebhookForwarder
	if config.EnableWebhook {
		webhook = service.NewWebhookForwarder(config.WebhookURL, config.WebhookSecret)
		if webhook == nil {
			log.Println("⚠ GOWA_ENABLE_WEBHOOK=true but GOWA_WEBHOOK_URL is empty")
		}
	}
	sink := service.NewEventSink(hub, webhook)

	// History sync pipeline
	pipeline := history.NewPipeline(sink,
		config.HistoryBatchSize,
		time.Duration(config.HistoryBatchDelayMs)*time.Millisecond)

	// Transport adapter (whatsmeow)
	wa := transport.NewWhatsmeow(database.Container, os.Getenv("GOWA_DEVICE_NAME"))

	// Session manager
	manager := session.NewManager(session.Config{
		MaxSessions:       config.MaxSessions,
		ConnectTimeout:    time.Duration(config.ConnectTimeoutSeconds) * time.Second,
		PairingTimeout:    time.Duration(config.PairingTimeoutSeconds) * time.Second,
		ChallengeTTL:      time.Duration(config.ChallengeTTLMinutes) * time.Minute,
		KeepAliveInterval: time.Duration(config.KeepAliveIntervalSeconds) * time.Second,
		FlushInterval:     time.Duration(config.CredFlushIntervalSeconds) * time.Second,
		Policy: session.ReconnectionPolicy{
			BaseDelay:  time.Duration(config.ReconnectBaseDelaySeconds) * time.Second,
			MaxDelay:   time.Duration(config.ReconnectMaxDelaySeconds) * time.Second,
			MaxRetries: config.ReconnectMaxRetries,
		},
	}, wa, credStore, pipeline, sink)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Restore semua session yang punya credential tersimpan (jittered)
	log.Println("Restoring saved sessions...")
	go func() {
		if err := manager.RestoreAll(rootCtx); err != nil {
			log.Printf("Warning: Failed to restore sessions: %v", err)
		}
	}()

	// Periodic cleanup sweep
	go manager.RunCleanupLoop(rootCtx, time.Duration(config.CleanupIntervalMinutes)*time.Minute)

	// Setup Echo
	e := echo.New()
	e.Use(middleware.Recover())

	//env allow ip
	originsEnv := os.Getenv("CORS_ALLOW_ORIGINS")
	if originsEnv == "" {
		log.Println("CORS_ALLOW_ORIGINS is not set")
	}
	allowOrigins := strings.Split(originsEnv, ",")
	for i, o := range allowOrigins {
		allowOrigins[i] = strings.TrimSpace(o)
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{
			echo.GET,
			echo.POST,
			echo.PUT,
			echo.PATCH,
			echo.DELETE,
			echo.OPTIONS,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderXRequestedWith,
			echo.HeaderAuthorization,
		},
		AllowCredentials: true,
	}))
	e.OPTIONS("/*", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	// Rate limiter configuration from env
	rateLimit := helper.GetEnvAsInt("RATE_LIMIT_PER_SECOND", 10)
	rateBurst := helper.GetEnvAsInt("RATE_LIMIT_BURST", 10)
	rateWindow := helper.GetEnvAsInt("RATE_LIMIT_WINDOW_MINUTES", 3)

	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(rateLimit),
				Burst:     rateBurst,
				ExpiresIn: time.Duration(rateWindow) * time.Minute,
			},
		),
	}))

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		message := "Internal Server Error"

		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			message = fmt.Sprintf("%v", he.Message)
		}
		// Custom response format
		response := map[string]interface{}{
			"success": false,
			"error":   message,
		}
		// Custom message untuk error tertentu
		switch code {
		case http.StatusUnauthorized:
			response["message"] = "Authentication required. Please login first."
		case http.StatusMethodNotAllowed:
			response["message"] = "Method not allowed for this endpoint"
		case http.StatusNotFound:
			response["message"] = "Endpoint not found"
		}

		c.JSON(code, response)
	}

	// =====================================================
	// PUBLIC ROUTES
	// =====================================================

	// WebSocket and health check
	e.GET("/ws", handler.WebSocketHandler(hub)) //listen socket gorilla
	e.GET("/", func(c echo.Context) error {     // Health check
		return c.JSON(200, map[string]interface{}{
			"success": true,
			"message": "Connection manager is running",
			"version": "1.0.0",
		})
	})

	// Daftar group route yang butuh JWT
	api := e.Group("/api", customMiddleware.JWTAuthMiddleware())

	// =====================================================
	// SESSION ROUTES (JWT required)
	// =====================================================
	api.POST("/sessions", handler.CreateSession(manager))
	api.GET("/sessions", handler.GetAllSessions(manager))
	api.POST("/sessions/:sessionId/connect", handler.Connect(manager))
	api.POST("/sessions/:sessionId/pair", handler.RequestPairingCode(manager))
	api.GET("/sessions/:sessionId/status", handler.GetStatus(manager))
	api.POST("/sessions/:sessionId/send", handler.SendMessage(manager))
	api.POST("/sessions/:sessionId/logout", handler.Logout(manager))

	//dapatkan event per session, pakai ws
	api.GET("/sessions/:sessionId/listen", handler.ListenSession(hub, manager))

	port := os.Getenv("PORT")
	if port == "" {
		port = "2121" // default aman
	}

	// Graceful shutdown: lepas semua resource session sebelum exit supaya
	// credential tetap utuh untuk restore berikutnya.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down...")
		rootCancel()
		manager.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	// log info untuk cek config
	log.Printf("Server starting on port %s", port)

	// bind ke semua interface, bukan hanya 127.0.0.1
	if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
