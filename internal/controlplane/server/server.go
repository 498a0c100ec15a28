// Package server 竞技场控制面：gin JSON API（进化状态/手动触发、风控限额与日切、bot 与成交查询）。
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/evolution"
	"github.com/betbot/arena/internal/ledger"
	"github.com/betbot/arena/internal/risk"
)

var log = logrus.WithField("component", "controlplane")

type Evolution interface {
	Status() domain.EvolutionState
	Start(ctx context.Context, trigger domain.EvolutionTrigger) error
}

type Risk interface {
	Limits(ctx context.Context) (domain.RiskLimits, error)
	ResetDaily(ctx context.Context) error
	Unpause(ctx context.Context, botID string) error
	PausedBots() map[string]risk.Pause
}

type Ledger interface {
	AllBots(ctx context.Context) ([]domain.BotConfig, error)
	GetBot(ctx context.Context, botID string) (domain.BotConfig, error)
	TradesByBot(ctx context.Context, botID string, limit int) ([]domain.TradeRecord, error)
	RecentEvolutionEvents(ctx context.Context, limit int) ([]domain.EvolutionEvent, error)
	Ping(ctx context.Context) error
}

type Server struct {
	evo    Evolution
	risk   Risk
	ledger Ledger
}

func New(evo Evolution, rm Risk, store Ledger) *Server {
	return &Server{evo: evo, risk: rm, ledger: store}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")

	evo := api.Group("/evolution")
	evo.GET("/status", s.handleEvolutionStatus)
	evo.POST("/trigger", s.handleEvolutionTrigger)
	evo.GET("/events", s.handleEvolutionEvents)

	rk := api.Group("/risk")
	rk.GET("/limits", s.handleRiskLimits)
	rk.POST("/reset-daily", s.handleResetDaily)

	bots := api.Group("/bots")
	bots.GET("", s.handleBotsList)
	botID := bots.Group("/:botID")
	botID.POST("/unpause", s.handleBotUnpause)
	botID.GET("/trades", s.handleBotTrades)

	return r
}

// Run 阻塞直到 ctx 取消，然后优雅关闭
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		log.Infof("控制面监听 %s", addr)
		errC <- srv.ListenAndServe()
	}()
	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "control plane serve")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// queryLimit 解析 ?limit=，越界回落到默认值
func queryLimit(c *gin.Context, def, max int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.ledger.Ping(c.Request.Context()); err != nil {
		writeError(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleEvolutionStatus(c *gin.Context) {
	st := s.evo.Status()
	c.JSON(http.StatusOK, gin.H{
		"global_trade_count":         st.GlobalTradeCount,
		"last_evolution_at":          st.LastEvolutionAt,
		"cooldown_active":            st.CooldownActive,
		"remaining_cooldown_seconds": int64(st.RemainingCooldown.Seconds()),
		"in_progress":                st.InProgress,
		"phase":                      st.Phase,
		"last_trigger":               st.LastTrigger,
		"last_error":                 st.LastError,
	})
}

func (s *Server) handleEvolutionTrigger(c *gin.Context) {
	err := s.evo.Start(c.Request.Context(), domain.TriggerManual)
	if errors.Is(err, evolution.ErrCycleInProgress) {
		writeError(c, http.StatusConflict, string(domain.ReasonCycleAlreadyInProgress))
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	log.Infof("手动触发进化周期")
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "trigger": domain.TriggerManual})
}

func (s *Server) handleEvolutionEvents(c *gin.Context) {
	evs, err := s.ledger.RecentEvolutionEvents(c.Request.Context(), queryLimit(c, 20, 200))
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if evs == nil {
		evs = []domain.EvolutionEvent{}
	}
	c.JSON(http.StatusOK, evs)
}

func (s *Server) handleRiskLimits(c *gin.Context) {
	limits, err := s.risk.Limits(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, limits)
}

func (s *Server) handleResetDaily(c *gin.Context) {
	if err := s.risk.ResetDaily(c.Request.Context()); err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

type botView struct {
	domain.BotConfig
	Paused *risk.Pause `json:"paused,omitempty"`
}

func (s *Server) handleBotsList(c *gin.Context) {
	bots, err := s.ledger.AllBots(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	activeOnly := c.Query("active") == "true"
	paused := s.risk.PausedBots()
	out := make([]botView, 0, len(bots))
	for _, b := range bots {
		if activeOnly && !b.Active {
			continue
		}
		v := botView{BotConfig: b}
		if p, ok := paused[b.BotID]; ok {
			v.Paused = &p
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, out)
}

// lookupBot 不存在时已写 404
func (s *Server) lookupBot(c *gin.Context) (string, bool) {
	id := c.Param("botID")
	if _, err := s.ledger.GetBot(c.Request.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(c, http.StatusNotFound, "bot not found")
		} else {
			writeError(c, http.StatusInternalServerError, err.Error())
		}
		return "", false
	}
	return id, true
}

func (s *Server) handleBotUnpause(c *gin.Context) {
	id, ok := s.lookupBot(c)
	if !ok {
		return
	}
	if err := s.risk.Unpause(c.Request.Context(), id); err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot_id": id, "status": "active"})
}

func (s *Server) handleBotTrades(c *gin.Context) {
	id, ok := s.lookupBot(c)
	if !ok {
		return
	}
	trades, err := s.ledger.TradesByBot(c.Request.Context(), id, queryLimit(c, 50, 500))
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	c.JSON(http.StatusOK, trades)
}
