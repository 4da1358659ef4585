// Package domain defines the market data types and the sentinel errors shared
// across the cache, broadcast and transport layers. No implementation code.
package domain
