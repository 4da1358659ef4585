// Package app provides the application service layer.
//
// MarketService turns market data use cases (listing, coin detail, history,
// search, trending, global stats) into cache keys and upstream requests.
// HTTP handlers and the broadcast scheduler both read through it.
package app
