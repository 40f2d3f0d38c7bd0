package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorilla_ws "github.com/gorilla/websocket"
	"github.com/stockfolio/trading-service/internal/handler/middleware"
	"github.com/stockfolio/trading-service/internal/quotes"
	"github.com/stockfolio/trading-service/internal/service"
	"github.com/stockfolio/trading-service/internal/websocket"
	"github.com/stockfolio/trading-service/lib/errs"
)

const (
	userCtx = "userID"
)

type Handler struct {
	usersService   service.UsersService
	tradingService service.TradingService
	provider       quotes.Provider
	wsManager      *websocket.Manager
	log            *slog.Logger
	jwtSecret      string
	upgrader       gorilla_ws.Upgrader
}

func NewHandler(usersService service.UsersService, tradingService service.TradingService, provider quotes.Provider, wsManager *websocket.Manager, log *slog.Logger, jwtSecret string) *Handler {
	return &Handler{
		usersService:   usersService,
		tradingService: tradingService,
		provider:       provider,
		wsManager:      wsManager,
		log:            log,
		jwtSecret:      jwtSecret,
		upgrader: gorilla_ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", h.register)
			auth.POST("/login", h.login)
			auth.POST("/refresh", h.refresh)
			auth.POST("/logout", h.logout)
			auth.GET("/check", h.checkUsername)
		}

		authed := api.Group("", middleware.AuthMiddleware(h.jwtSecret, h.log))
		{
			authed.GET("/quote/:symbol", h.quote)
			authed.POST("/trades/buy", h.buy)
			authed.POST("/trades/sell", h.sell)
			authed.GET("/portfolio", h.portfolio)
			authed.GET("/history", h.history)
			authed.POST("/password", h.changePassword)
			authed.GET("/ws", h.wsConnect)
		}
	}
}

type registerRequest struct {
	Username     string `json:"username" binding:"required"`
	Password     string `json:"password" binding:"required"`
	Confirmation string `json:"confirmation" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	user, tokens, err := h.usersService.Register(c.Request.Context(), req.Username, req.Password, req.Confirmation)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, errs.ErrAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{"error": "username is not available"})
		default:
			h.log.Error("failed to register user", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":         user,
		"accessToken":  tokens.AccessToken,
		"refreshToken": tokens.RefreshToken,
	})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	user, tokens, err := h.usersService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username and/or password"})
			return
		}
		h.log.Error("failed to login user", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":         user,
		"accessToken":  tokens.AccessToken,
		"refreshToken": tokens.RefreshToken,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (h *Handler) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	tokens, err := h.usersService.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
			return
		}
		h.log.Error("failed to refresh tokens", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, tokens)
}

func (h *Handler) logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.usersService.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		h.log.Error("failed to logout", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (h *Handler) checkUsername(c *gin.Context) {
	available, err := h.usersService.CheckUsername(c.Request.Context(), c.Query("username"))
	if err != nil {
		h.log.Error("failed to check username", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, available)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

func (h *Handler) changePassword(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.usersService.ChangePassword(c.Request.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, errs.ErrInvalidCredentials):
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid user password"})
		case errors.Is(err, errs.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.log.Error("failed to change password", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "password changed"})
}

func (h *Handler) quote(c *gin.Context) {
	quote, err := h.provider.Lookup(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "invalid symbol"})
		case errors.Is(err, errs.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": "symbol missing"})
		default:
			h.log.Error("quote lookup failed", slog.Any("error", err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "quote provider unavailable"})
		}
		return
	}

	c.JSON(http.StatusOK, quote)
}

type tradeRequest struct {
	Symbol string `json:"symbol" binding:"required"`
	Shares int64  `json:"shares" binding:"required"`
}

func (h *Handler) buy(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.tradingService.ExecuteBuy(c.Request.Context(), userID, req.Symbol, req.Shares)
	if err != nil {
		h.tradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) sell(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.tradingService.ExecuteSell(c.Request.Context(), userID, req.Symbol, req.Shares)
	if err != nil {
		h.tradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) portfolio(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	view, err := h.tradingService.GetPortfolio(c.Request.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrQuoteUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "quote provider unavailable"})
		case errors.Is(err, errs.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		default:
			h.log.Error("failed to build portfolio", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *Handler) history(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	history, err := h.tradingService.GetHistory(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("failed to load history", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, history)
}

func (h *Handler) wsConnect(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", slog.Any("error", err))
		return
	}

	client := &websocket.Client{
		Manager: h.wsManager,
		Conn:    conn,
		UserID:  userID,
		Send:    make(chan []byte, 256),
	}

	client.Manager.Register(client)

	go client.Writer()
	go client.Reader()
}

func (h *Handler) tradeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid symbol"})
	case errors.Is(err, errs.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{"error": "can't afford"})
	case errors.Is(err, errs.ErrInsufficientShares):
		c.JSON(http.StatusConflict, gin.H{"error": "too many shares"})
	case errors.Is(err, errs.ErrQuoteUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "quote provider unavailable"})
	case errors.Is(err, errs.ErrStorage):
		// Unknown outcome: the client must re-check history before retrying.
		h.log.Error("storage failure during trade", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trade not confirmed, check history before retrying"})
	default:
		h.log.Error("trade failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func (h *Handler) userID(c *gin.Context) (uuid.UUID, bool) {
	raw, ok := c.Get(userCtx)
	if !ok {
		h.log.Error("handler: userID not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(raw.(string))
	if err != nil {
		h.log.Error("handler: failed to parse userID from context", "userID", raw)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user id in token"})
		return uuid.Nil, false
	}

	return userID, true
}
