// Package api provides the control server the Protocol Engine talks to.
package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/shares"
	"github.com/tos-network/tos-ledger/internal/util"
)

// Controller receives control messages and share events
type Controller interface {
	BanIP(ip string)
	BlockNotify(coin, hash string) int
	ReloadPool(coin string) error
	Submit(ctx context.Context, pool string, e *shares.Event) error
	PoolCount() int
}

// Server is the control server
type Server struct {
	cfg     config.APIConfig
	ctrl    Controller
	metrics http.Handler
	router  *gin.Engine
	server  *http.Server

	streams *streams
	wg      sync.WaitGroup
}

// BanRequest is the body of /control/banip
type BanRequest struct {
	IP string `json:"ip" binding:"required"`
}

// BlockNotifyRequest is the body of /control/blocknotify
type BlockNotifyRequest struct {
	Coin string `json:"coin" binding:"required"`
	Hash string `json:"hash" binding:"required"`
}

// ReloadRequest is the body of /control/reloadpool
type ReloadRequest struct {
	Coin string `json:"coin" binding:"required"`
}

// NewServer creates the control server. metrics may be nil.
func NewServer(cfg config.APIConfig, ctrl Controller, metrics http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		metrics: metrics,
		router:  router,
		streams: newStreams(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures endpoints
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	control := s.router.Group("/control")
	control.Use(s.authMiddleware())
	{
		control.POST("/banip", s.handleBanIP)
		control.POST("/blocknotify", s.handleBlockNotify)
		control.POST("/reloadpool", s.handleReloadPool)
	}

	ws := s.router.Group("/ws")
	ws.Use(s.authMiddleware())
	{
		ws.GET("/shares/:pool", s.handleShareStream)
	}
}

// Start begins the control server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.router,
	}

	util.Infof("Control server listening on %s", s.cfg.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("Control server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the server and its share streams
func (s *Server) Stop() error {
	var err error
	if s.server != nil {
		err = s.server.Close()
	}
	s.streams.closeAll()
	s.wg.Wait()
	return err
}

// authMiddleware checks the bearer secret when one is configured
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Secret == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}

		if strings.TrimPrefix(auth, "Bearer ") != s.cfg.Secret {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid secret"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pools": s.ctrl.PoolCount()})
}

func (s *Server) handleBanIP(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.ctrl.BanIP(req.IP)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleBlockNotify(c *gin.Context) {
	var req BlockNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.ctrl.BlockNotify(req.Coin, req.Hash)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleReloadPool(c *gin.Context) {
	var req ReloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// ReloadPool blocks until the old unit has stopped
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.ctrl.ReloadPool(req.Coin); err != nil {
			util.Errorf("reloadPool %s failed: %v", req.Coin, err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
