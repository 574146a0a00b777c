package controlplane

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hedgeedge/copier/internal/copier"
	"github.com/hedgeedge/copier/pkg/logger"
)

// StatusSource 引擎状态快照的只读来源
type StatusSource interface {
	Status() copier.Status
}

// Server 本地只读控制面，运维与监管端看状态用，不承载任何交易操作
type Server struct {
	source StatusSource
}

// New 创建控制面
func New(source StatusSource) *Server {
	return &Server{source: source}
}

// Router 组装路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/stats", s.handleStats)
	api.GET("/mappings", s.handleMappings)
	api.GET("/config", s.handleConfig)
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.source.Status()
	c.JSON(http.StatusOK, gin.H{
		"licensed":  st.Licensed,
		"license":   st.License,
		"connected": st.Connected,
		"paused":    st.Paused,
		"lastError": st.LastError,
		"mappings":  st.Mappings,
		"account":   st.Account,
		"updatedAt": st.UpdatedAt,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Status().Stats)
}

func (s *Server) handleMappings(c *gin.Context) {
	st := s.source.Status()
	c.JSON(http.StatusOK, gin.H{"count": st.Mappings, "mappings": st.MappingSet})
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Status().Mirror)
}

// StartAsync 非阻塞启动控制面，ctx 结束时优雅关闭
func StartAsync(ctx context.Context, listenAddr string, source StatusSource) (*http.Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Addr: listenAddr, Handler: New(source).Router()}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("控制面服务退出: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv, nil
}
