package alpaca

import "strings"

// Share-class tickers are dash separated internally and dot separated at the
// broker.
var toBrokerSymbols = map[string]string{
	"BRK-B": "BRK.B",
	"BF-B":  "BF.B",
}

var fromBrokerSymbols = func() map[string]string {
	m := make(map[string]string, len(toBrokerSymbols))
	for k, v := range toBrokerSymbols {
		m[v] = k
	}
	return m
}()

// ToBroker maps an internal ticker to the broker's symbol.
func ToBroker(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if s, ok := toBrokerSymbols[symbol]; ok {
		return s
	}
	return symbol
}

// FromBroker maps a broker symbol back to the internal ticker.
func FromBroker(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if s, ok := fromBrokerSymbols[symbol]; ok {
		return s
	}
	return symbol
}
