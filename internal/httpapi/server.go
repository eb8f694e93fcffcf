// Package httpapi exposes the booking core over HTTP. It authenticates
// sessions, translates domain errors into stable reason codes, and keeps
// all business rules in the packages it fronts.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/lotusloft/studio/pkg/booking"
	"github.com/lotusloft/studio/pkg/credits"
)

// ReservationCoordinator is the booking surface the facade drives.
// *booking.Coordinator satisfies it.
type ReservationCoordinator interface {
	Reserve(ctx context.Context, memberID credits.MemberID, classID booking.ClassID) (booking.Result, error)
	Cancel(ctx context.Context, memberID credits.MemberID, classID booking.ClassID) (credits.Credits, error)
}

// WalletService is the credit surface the facade drives.
// *credits.Service satisfies it.
type WalletService interface {
	Balance(ctx context.Context, memberID credits.MemberID) (credits.Balance, error)
	Grant(ctx context.Context, memberID credits.MemberID, amount credits.Credits, reason string, referenceKey string) error
	ListTransactions(ctx context.Context, memberID credits.MemberID, before time.Time, limit int) ([]credits.Transaction, error)
}

// ClassCatalog is the catalog read/admin surface.
type ClassCatalog interface {
	ListUpcoming(ctx context.Context, from time.Time) ([]booking.ClassInstance, error)
	CreateClass(ctx context.Context, class booking.ClassInstance) (string, error)
	TransitionStatus(ctx context.Context, classID string, next booking.ClassStatus) error
}

// HistoryReader lists a member's booking audit trail.
type HistoryReader interface {
	ListByMember(ctx context.Context, memberID string, limit int) ([]booking.HistoryRecord, error)
}

// Dependencies carries the collaborators behind the HTTP routes.
type Dependencies struct {
	Coordinator ReservationCoordinator
	Wallet      WalletService
	Catalog     ClassCatalog
	History     HistoryReader
	Redis       *redis.Client
}

// Server is the HTTP facade.
type Server struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
}

// NewServer validates the configuration and wires the facade.
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Coordinator == nil || deps.Wallet == nil || deps.Catalog == nil || deps.History == nil {
		return nil, fmt.Errorf("httpapi: missing dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}, nil
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router() (*gin.Engine, error) {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(server.cfg.SessionSigningKey),
		Issuer:     server.cfg.SessionIssuer,
		CookieName: server.cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(sessionValidator.GinMiddleware(claimsContextKey))
	api.Use(identityMiddleware())

	api.GET("/classes",
		classListCache(server.deps.Redis, server.cfg.ClassCacheTTL, server.logger),
		server.handleListClasses,
	)
	api.POST("/bookings", server.handleCreateBooking)
	api.DELETE("/bookings/:class_id", server.handleCancelBooking)
	api.GET("/wallet", server.handleWallet)
	api.GET("/history", server.handleHistory)

	admin := api.Group("/admin")
	admin.Use(requireRole(server.cfg.AdminRole))
	admin.POST("/grants", server.handleGrant)
	admin.POST("/classes", server.handleCreateClass)
	admin.POST("/classes/:class_id/cancel", server.handleCancelClass)

	return router, nil
}

// Run serves until the context is cancelled.
func (server *Server) Run(ctx context.Context) error {
	router, err := server.Router()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("studio api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
