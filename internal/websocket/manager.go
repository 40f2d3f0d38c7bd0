package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stockfolio/trading-service/internal/models"
	"github.com/stockfolio/trading-service/internal/quotes"
	"github.com/stockfolio/trading-service/internal/repository"
	storage "github.com/stockfolio/trading-service/storage/redis"
)

type Client struct {
	Manager *Manager
	Conn    *websocket.Conn
	UserID  uuid.UUID
	Send    chan []byte

	holdings []repository.HoldingRow
	cash     decimal.Decimal
	prices   map[string]decimal.Decimal
	mu       sync.Mutex
}

// Manager pushes a revalued portfolio to every connected client whenever a
// fresh price for one of its held symbols arrives on the quotes channel.
type Manager struct {
	clients           map[uuid.UUID]*Client
	mu                sync.RWMutex
	register          chan *Client
	unregister        chan *Client
	log               *slog.Logger
	subscriber        *storage.Subscriber
	refresher         *quotes.Refresher
	ledger            repository.LedgerRepository
	symbolSubscribers map[string]map[uuid.UUID]bool
}

func NewManager(log *slog.Logger, subscriber *storage.Subscriber, refresher *quotes.Refresher, ledger repository.LedgerRepository) *Manager {
	return &Manager{
		clients:           make(map[uuid.UUID]*Client),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		log:               log,
		subscriber:        subscriber,
		refresher:         refresher,
		ledger:            ledger,
		symbolSubscribers: make(map[string]map[uuid.UUID]bool),
	}
}

func (m *Manager) Run(ctx context.Context) {
	go m.listenToUpdates(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("websocket manager run loop stopping...")
			return
		case client := <-m.register:
			m.registerClient(ctx, client)
		case client := <-m.unregister:
			m.unregisterClient(ctx, client)
		}
	}
}

func (m *Manager) listenToUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.subscriber.Messages:
			if !ok {
				m.log.Warn("manager subscriber channel closed")
				return
			}
			m.processPriceUpdate(msg)
		}
	}
}

func (m *Manager) Register(client *Client) {
	m.register <- client
}

func (m *Manager) Unregister(client *Client) {
	m.unregister <- client
}

func (m *Manager) registerClient(ctx context.Context, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if oldClient, exists := m.clients[client.UserID]; exists {
		m.log.Warn("client re-registering, closing old connection", "userID", client.UserID)
		close(oldClient.Send)
		oldClient.Conn.Close()
	}

	// Snapshot the ledger fold once; prices then stream in and the view is
	// rebuilt per update.
	// TODO: refresh the snapshot when this user trades while connected.
	rows, err := m.ledger.AggregateHoldings(client.UserID)
	if err != nil {
		m.log.Error("failed to load holdings for ws client", "userID", client.UserID, "error", err)
		rows = nil
	}
	cash, err := m.ledger.GetCashBalance(client.UserID)
	if err != nil {
		m.log.Error("failed to load cash for ws client", "userID", client.UserID, "error", err)
		cash = decimal.Zero
	}

	client.prices = make(map[string]decimal.Decimal)
	client.cash = cash
	for _, row := range rows {
		if row.Quantity > 0 {
			client.holdings = append(client.holdings, row)
		}
	}

	m.clients[client.UserID] = client
	m.log.Info("new client registered", "userID", client.UserID)

	for _, row := range client.holdings {
		m.followSymbol(ctx, client.UserID, row.Symbol)
	}
}

func (m *Manager) unregisterClient(ctx context.Context, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[client.UserID]; ok {
		delete(m.clients, client.UserID)
		m.unfollowAllSymbols(ctx, client.UserID)
		m.log.Info("client unregistered", "userID", client.UserID)
	}
}

func (m *Manager) followSymbol(ctx context.Context, userID uuid.UUID, symbol string) {
	if _, ok := m.symbolSubscribers[symbol]; !ok {
		m.symbolSubscribers[symbol] = make(map[uuid.UUID]bool)

		if err := m.subscriber.Subscribe(ctx, quotes.Channel(symbol)); err != nil {
			m.log.Error("could not subscribe to price stream", "symbol", symbol, "error", err)
			delete(m.symbolSubscribers, symbol)
			return
		}
	}
	m.symbolSubscribers[symbol][userID] = true
	m.refresher.Follow(symbol)
}

func (m *Manager) unfollowAllSymbols(ctx context.Context, userID uuid.UUID) {
	for symbol, users := range m.symbolSubscribers {
		if _, ok := users[userID]; !ok {
			continue
		}

		delete(users, userID)
		m.refresher.Unfollow(symbol)

		if len(users) == 0 {
			delete(m.symbolSubscribers, symbol)
			if err := m.subscriber.Unsubscribe(ctx, quotes.Channel(symbol)); err != nil {
				m.log.Error("failed to unsubscribe from price stream", "symbol", symbol, "error", err)
			}
		}
	}
}

func (m *Manager) processPriceUpdate(msg storage.Message) {
	var update models.PriceUpdate
	if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
		m.log.Error("failed to parse price update", "error", err, "payload", msg.Payload)
		return
	}

	price := decimal.NewFromFloat(update.Price)

	m.mu.RLock()
	defer m.mu.RUnlock()

	subscribers, ok := m.symbolSubscribers[update.Symbol]
	if !ok {
		return
	}

	for userID := range subscribers {
		client, ok := m.clients[userID]
		if !ok {
			continue
		}

		client.mu.Lock()
		client.prices[update.Symbol] = price

		view := models.PortfolioView{
			UserID:     client.UserID.String(),
			Holdings:   []models.HoldingView{},
			Cash:       client.cash,
			TotalValue: client.cash,
		}

		for _, row := range client.holdings {
			currentPrice, priceKnown := client.prices[row.Symbol]
			if !priceKnown {
				currentPrice = decimal.Zero
			}

			marketValue := currentPrice.Mul(decimal.NewFromInt(row.Quantity))
			view.Holdings = append(view.Holdings, models.HoldingView{
				Symbol:      row.Symbol,
				CompanyName: row.CompanyName,
				Quantity:    row.Quantity,
				Price:       currentPrice,
				MarketValue: marketValue,
			})
			view.TotalValue = view.TotalValue.Add(marketValue)
		}

		payload, err := json.Marshal(view)
		if err != nil {
			m.log.Error("failed to marshal portfolio view", "error", err, "userID", userID)
			client.mu.Unlock()
			continue
		}

		select {
		case client.Send <- payload:
		default:
			m.log.Warn("client send channel is full, dropping update", "userID", userID)
		}
		client.mu.Unlock()
	}
}

func (c *Client) Writer() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Manager.log.Warn("failed to write message to client", "userID", c.UserID)
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) Reader() {
	defer func() {
		c.Manager.Unregister(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.log.Warn("unexpected close error", "userID", c.UserID, "error", err)
			}
			break
		}
	}
}
