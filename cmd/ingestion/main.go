package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strconv"
	"time"

	"marketalerts/internal/config"
	"marketalerts/internal/logger"
	"marketalerts/internal/models"
	"marketalerts/internal/queue"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Exchange WebSocket subscription message format
type SubscriptionMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// Trade message structure from the exchange feed
type TradeMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Time      string `json:"time"`
}

// lastValues tracks the previous observation per subject so every tick
// carries the pair the edge-triggered evaluator needs.
var lastValues = make(map[string]float64)

func buildTick(symbol string, price float64, observedAt time.Time) models.MarketTick {
	prev, seen := lastValues[symbol]
	if !seen {
		prev = price
	}
	lastValues[symbol] = price

	return models.MarketTick{
		Subject:       symbol,
		Value:         price,
		PreviousValue: prev,
		ObservedAt:    observedAt,
	}
}

// Publish tick to Kafka
func publishTick(producer *queue.Producer, topic string, tick models.MarketTick) {
	value, err := json.Marshal(tick)
	if err != nil {
		logger.Log.Error("Error marshaling tick", zap.Error(err))
		return
	}

	// Key by subject so ticks for one asset stay on one partition and
	// arrive at the evaluator in order.
	if err := producer.Publish(topic, []byte(tick.Subject), value, nil); err != nil {
		logger.Log.Error("Error producing tick", zap.Error(err))
	}
}

// Connect to the exchange WebSocket
func connectWebSocket(feedURL string) *websocket.Conn {
	var backoff = 1 * time.Second

	for {
		fmt.Println("Connecting to exchange WebSocket...")
		c, _, err := websocket.DefaultDialer.Dial(feedURL, nil)
		if err != nil {
			log.Printf("WebSocket connection failed: %v. Retrying in %v...\n", err, backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		fmt.Println("Connected to exchange WebSocket!")
		return c
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	logger.InitLogger()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}

	producer, err := queue.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		logger.Log.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	for {
		c := connectWebSocket(cfg.Ingestion.FeedURL)

		// Subscribe to configured products
		subscribe := SubscriptionMessage{
			Type:       "subscribe",
			ProductIDs: cfg.Ingestion.Products,
			Channels:   []string{"matches"},
		}
		if err := c.WriteJSON(subscribe); err != nil {
			logger.Log.Error("Subscription failed", zap.Error(err))
			c.Close()
			continue
		}

		fmt.Printf("Subscribed to %v trades.\n", cfg.Ingestion.Products)

		// Read messages from WebSocket
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				logger.Log.Error("WebSocket error", zap.Error(err))
				break
			}

			var trade TradeMessage
			if err := json.Unmarshal(message, &trade); err != nil {
				logger.Log.Error("Error parsing message", zap.Error(err))
				continue
			}

			// Process only "match" messages (completed trades)
			if trade.Type == "match" {
				observedAt, err := time.Parse(time.RFC3339, trade.Time)
				if err != nil {
					observedAt = time.Now().UTC()
				}

				tick := buildTick(trade.ProductID, parsePrice(trade.Price), observedAt)
				publishTick(producer, cfg.Kafka.TicksTopic, tick)
			}
		}

		c.Close()
	}
}

// Convert price string to float64
func parsePrice(priceStr string) float64 {
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0
	}
	return price
}
