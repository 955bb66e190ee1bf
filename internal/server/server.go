package server

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"tutoring-backend/internal/auth"
	"tutoring-backend/internal/chat"
	"tutoring-backend/internal/config"
	"tutoring-backend/internal/feed"
	"tutoring-backend/internal/handler"
	"tutoring-backend/internal/notify"
	"tutoring-backend/internal/presence"
	"tutoring-backend/internal/storage"
	"tutoring-backend/internal/whiteboard"
)

// Server Fiber application wrapper
type Server struct {
	app    *fiber.App
	cfg    *config.Config
	db     *gorm.DB
	broker *feed.Broker

	authHandler       *handler.AuthHandler
	userHandler       *handler.UserHandler
	sessionHandler    *handler.SessionHandler
	storageHandler    *handler.StorageHandler
	videoHandler      *handler.VideoHandler
	healthHandler     *handler.HealthHandler
	presenceHandler   *handler.PresenceHandler
	chatWSHandler     *handler.ChatWSHandler
	whiteboardHandler *handler.WhiteboardWSHandler
	notificationHub   *handler.NotificationHub
	notifier          *notify.Notifier
	tracker           *presence.Tracker
	jwtManager        *auth.JWTManager
}

// New wires the application together.
func New(cfg *config.Config, db *gorm.DB) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Tutoring Realtime Backend",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // incompatible with WebSocket state
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		BodyLimit:             10 * 1024 * 1024,
		DisableStartupMessage: false,
	})

	broker := feed.NewBroker()

	jwtManager := auth.NewJWTManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)
	googleAuth := auth.NewGoogleAuthenticator(cfg.Auth.GoogleClientID)

	// Stores share the broker so every write surfaces as a feed event.
	pageStore := whiteboard.NewGormStore(db, broker)
	messageStore := chat.NewGormMessageStore(db, broker)
	chatEngine := chat.NewEngine(messageStore)

	notificationHub := handler.NewNotificationHub()
	notifier := notify.NewNotifier(notificationHub, messageStore, cfg.Notify.MaxTrackedUsers)
	notifier.Start(broker)

	// Presence is optional; the app runs without Redis.
	var tracker *presence.Tracker
	if cfg.Redis.Addr != "" {
		var err error
		tracker, err = presence.NewTracker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Presence.Window)
		if err != nil {
			log.Printf("⚠️ Presence initialization failed: %v (presence will be disabled)", err)
			tracker = nil
		}
	}

	// S3 is optional; file sharing is disabled without a bucket.
	var s3Service *storage.S3Service
	if cfg.S3.BucketName != "" && cfg.S3.AccessKeyID != "" {
		var err error
		s3Service, err = storage.NewS3Service(context.Background(), cfg)
		if err != nil {
			log.Printf("⚠️ S3 service initialization failed: %v (file upload will be disabled)", err)
		} else {
			log.Printf("✅ S3 service initialized (bucket: %s)", cfg.S3.BucketName)
		}
	} else {
		log.Println("ℹ️ S3 service not configured (file upload will be disabled)")
	}

	return &Server{
		app:               app,
		cfg:               cfg,
		db:                db,
		broker:            broker,
		authHandler:       handler.NewAuthHandler(db, jwtManager, googleAuth, notifier, cfg.Auth.SecureCookie),
		userHandler:       handler.NewUserHandler(db),
		sessionHandler:    handler.NewSessionHandler(db, broker),
		storageHandler:    handler.NewStorageHandler(db, s3Service),
		videoHandler:      handler.NewVideoHandler(cfg, db),
		healthHandler:     handler.NewHealthHandler(db, tracker),
		presenceHandler:   handler.NewPresenceHandler(db, tracker),
		chatWSHandler:     handler.NewChatWSHandler(chatEngine),
		whiteboardHandler: handler.NewWhiteboardWSHandler(pageStore, tracker),
		notificationHub:   notificationHub,
		notifier:          notifier,
		tracker:           tracker,
		jwtManager:        jwtManager,
	}
}

// SetupMiddleware installs the global middleware stack.
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Asia/Seoul",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes installs all HTTP and WebSocket routes.
func (s *Server) SetupRoutes() {
	// Health endpoints
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// Brute force protection for auth endpoints
	authLimiter := limiter.New(limiter.Config{
		Max:        10,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	authGroup := s.app.Group("/auth")
	authGroup.Post("/google", authLimiter, s.authHandler.GoogleLogin)
	authGroup.Post("/refresh", authLimiter, s.authHandler.RefreshToken)
	authGroup.Post("/logout", auth.AuthMiddleware(s.jwtManager), s.authHandler.Logout)
	authGroup.Get("/me", auth.AuthMiddleware(s.jwtManager), s.authHandler.GetMe)
	authGroup.Put("/me", auth.AuthMiddleware(s.jwtManager), s.userHandler.UpdateProfile)

	userGroup := s.app.Group("/api/users", auth.AuthMiddleware(s.jwtManager))
	userGroup.Get("/search", s.userHandler.SearchInstructors)
	userGroup.Get("/:userId", s.userHandler.GetUser)

	sessionGroup := s.app.Group("/api/sessions", auth.AuthMiddleware(s.jwtManager))
	sessionGroup.Post("/", s.sessionHandler.CreateSession)
	sessionGroup.Get("/", s.sessionHandler.GetMySessions)
	sessionGroup.Get("/:sessionId", s.sessionHandler.GetSession)
	sessionGroup.Post("/:sessionId/start", s.sessionHandler.StartSession)
	sessionGroup.Post("/:sessionId/end", s.sessionHandler.EndSession)
	sessionGroup.Post("/:sessionId/invite", s.sessionHandler.InviteStudent)
	sessionGroup.Get("/:sessionId/online", s.presenceHandler.GetOnline)
	sessionGroup.Post("/:sessionId/video/token", s.videoHandler.GenerateToken)

	// Session materials
	sessionGroup.Post("/:sessionId/files/presign", s.storageHandler.GetPresignedURL)
	sessionGroup.Post("/:sessionId/files", s.storageHandler.ConfirmUpload)
	sessionGroup.Get("/:sessionId/files", s.storageHandler.ListFiles)
	sessionGroup.Get("/:sessionId/files/:fileId/download", s.storageHandler.GetDownloadURL)
	sessionGroup.Delete("/:sessionId/files/:fileId", s.storageHandler.DeleteFile)

	invitationGroup := s.app.Group("/api/invitations", auth.AuthMiddleware(s.jwtManager))
	invitationGroup.Get("/", s.sessionHandler.GetMyInvitations)
	invitationGroup.Post("/:invitationId/respond", s.sessionHandler.RespondInvitation)

	// WebSocket upgrade gate
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/ws/notifications", s.wsAuth(nil), websocket.New(s.notificationHub.HandleWebSocket, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}))

	s.app.Get("/ws/chat/:peerId", s.wsAuth(nil), websocket.New(s.chatWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}))

	s.app.Get("/ws/whiteboard/:sessionId", s.wsAuth(s.requireSessionMember), websocket.New(s.whiteboardHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// wsAuth authenticates a WebSocket upgrade from the access_token cookie and
// runs an optional extra check before the upgrade completes.
func (s *Server) wsAuth(check func(c *fiber.Ctx, userID int64) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		accessToken := c.Cookies("access_token")
		if accessToken == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		claims, err := s.jwtManager.ValidateAccessToken(accessToken)
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		c.Locals("userId", claims.UserID)
		c.Locals("nickname", claims.Nickname)

		if check != nil {
			if err := check(c, claims.UserID); err != nil {
				return err
			}
		}

		return c.Next()
	}
}

// requireSessionMember rejects the upgrade unless the user belongs to the
// session named in the path.
func (s *Server) requireSessionMember(c *fiber.Ctx, userID int64) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}

	var count int64
	s.db.Table("session_participants").
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Count(&count)
	if count == 0 {
		return c.SendStatus(fiber.StatusForbidden)
	}
	return nil
}

// Start runs the server with graceful shutdown.
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		if err := s.Shutdown(); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Tutoring Realtime Backend starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoints: /ws/whiteboard/:sessionId, /ws/chat/:peerId, /ws/notifications")

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the server and its collaborators.
func (s *Server) Shutdown() error {
	s.notifier.Stop()
	if s.tracker != nil {
		s.tracker.Close()
	}
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
