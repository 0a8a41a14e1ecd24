package factory

import (
	"fmt"

	"orderflow/internal/exchange"
	"orderflow/internal/exchange/binance"
)

// ExchangeConfig holds configuration for creating a venue
type ExchangeConfig struct {
	Name              exchange.ExchangeName
	StreamBaseURL     string
	RestBaseURL       string
	RequestsPerSecond float64
}

// NewVenue creates a new venue instance based on the configuration
func NewVenue(config ExchangeConfig) (exchange.Venue, error) {
	binanceConfig := binance.Config{
		StreamBaseURL:     config.StreamBaseURL,
		RestBaseURL:       config.RestBaseURL,
		RequestsPerSecond: config.RequestsPerSecond,
	}

	switch config.Name {
	case exchange.Binance:
		return binance.NewSpotVenue(binanceConfig), nil

	case exchange.BinanceUS:
		return binance.NewUSVenue(binanceConfig), nil

	default:
		return nil, fmt.Errorf("unknown exchange: %s", config.Name)
	}
}

// ValidateExchangeName checks if the exchange name is supported
func ValidateExchangeName(name string) bool {
	switch exchange.ExchangeName(name) {
	case exchange.Binance, exchange.BinanceUS:
		return true
	default:
		return false
	}
}

// GetSupportedExchanges returns a list of all supported exchanges
func GetSupportedExchanges() []exchange.ExchangeName {
	return []exchange.ExchangeName{exchange.Binance, exchange.BinanceUS}
}
