package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rupneel/crypto-tracker/internal/domain"
)

// ClientMessage is one decoded control message: Subscribe, Unsubscribe, Ping
// or Unknown.
type ClientMessage interface {
	isClientMessage()
}

type Subscribe struct{ AssetIDs []string }

type Unsubscribe struct{ AssetIDs []string }

type Ping struct{}

// Unknown carries an action this server does not understand. It is ignored
// so newer clients keep working.
type Unknown struct{ Action string }

func (Subscribe) isClientMessage()   {}
func (Unsubscribe) isClientMessage() {}
func (Ping) isClientMessage()        {}
func (Unknown) isClientMessage()     {}

type rawClientMessage struct {
	Action    string   `json:"action"`
	CryptoIDs []string `json:"crypto_ids"`
}

// DecodeClientMessage decodes a text frame. Only a frame that is not a JSON
// object fails; a missing or unrecognised action decodes to Unknown.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var raw rawClientMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedClientMessage, err)
	}

	ids := raw.CryptoIDs
	if ids == nil {
		ids = []string{}
	}

	switch raw.Action {
	case "subscribe":
		return Subscribe{AssetIDs: ids}, nil
	case "unsubscribe":
		return Unsubscribe{AssetIDs: ids}, nil
	case "ping":
		return Ping{}, nil
	default:
		return Unknown{Action: raw.Action}, nil
	}
}

const (
	TypePriceUpdate  = "price_update"
	TypeCoinUpdate   = "coin_update"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
)

// ServerMessage is anything the server pushes to a client.
type ServerMessage interface {
	MessageType() string
}

type PriceTicker struct {
	ID             string   `json:"id"`
	Symbol         string   `json:"symbol"`
	Name           string   `json:"name"`
	CurrentPrice   *float64 `json:"current_price"`
	PriceChange24h *float64 `json:"price_change_24h"`
	MarketCap      *float64 `json:"market_cap"`
}

type PriceUpdate struct {
	Type      string        `json:"type"`
	Data      []PriceTicker `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
}

type CoinDelta struct {
	ID             string   `json:"id"`
	Symbol         string   `json:"symbol"`
	CurrentPrice   *float64 `json:"current_price"`
	PriceChange24h *float64 `json:"price_change_24h"`
}

type CoinUpdate struct {
	Type      string    `json:"type"`
	Data      CoinDelta `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscriptionAck answers subscribe and unsubscribe, echoing the request ids.
type SubscriptionAck struct {
	Type      string   `json:"type"`
	CryptoIDs []string `json:"crypto_ids"`
}

type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (m PriceUpdate) MessageType() string     { return m.Type }
func (m CoinUpdate) MessageType() string      { return m.Type }
func (m SubscriptionAck) MessageType() string { return m.Type }
func (m Pong) MessageType() string            { return m.Type }

func NewPriceUpdate(coins []domain.Coin, now time.Time) PriceUpdate {
	data := make([]PriceTicker, len(coins))
	for i, c := range coins {
		data[i] = PriceTicker{
			ID:             c.ID,
			Symbol:         c.Symbol,
			Name:           c.Name,
			CurrentPrice:   c.CurrentPrice,
			PriceChange24h: c.PriceChangePercentage24h,
			MarketCap:      c.MarketCap,
		}
	}
	return PriceUpdate{Type: TypePriceUpdate, Data: data, Timestamp: now.UTC()}
}

func NewCoinUpdate(c domain.Coin, now time.Time) CoinUpdate {
	return CoinUpdate{
		Type: TypeCoinUpdate,
		Data: CoinDelta{
			ID:             c.ID,
			Symbol:         c.Symbol,
			CurrentPrice:   c.CurrentPrice,
			PriceChange24h: c.PriceChangePercentage24h,
		},
		Timestamp: now.UTC(),
	}
}

func NewSubscribed(ids []string) SubscriptionAck {
	return SubscriptionAck{Type: TypeSubscribed, CryptoIDs: ids}
}

func NewUnsubscribed(ids []string) SubscriptionAck {
	return SubscriptionAck{Type: TypeUnsubscribed, CryptoIDs: ids}
}

func NewPong(now time.Time) Pong {
	return Pong{Type: TypePong, Timestamp: now.UTC()}
}
