package domain

// Coin is one row of the upstream market listing. Numeric fields are
// nullable upstream and stay nil when absent.
type Coin struct {
	ID                       string   `json:"id"`
	Symbol                   string   `json:"symbol"`
	Name                     string   `json:"name"`
	CurrentPrice             *float64 `json:"current_price"`
	PriceChangePercentage24h *float64 `json:"price_change_percentage_24h"`
	MarketCap                *float64 `json:"market_cap"`
}

// ListingQuery selects one page of the market listing.
type ListingQuery struct {
	Currency string
	Page     int
	PerPage  int
	Order    string
}

// HistoryQuery selects a price/market-cap/volume chart for one coin.
// Days is kept as a string because the provider accepts "max".
type HistoryQuery struct {
	CoinID   string
	Currency string
	Days     string
	Interval string
}

const (
	DefaultCurrency = "usd"
	DefaultOrder    = "market_cap_desc"
	DefaultPerPage  = 50
	MaxPerPage      = 250
	DefaultDays     = "7"
)
