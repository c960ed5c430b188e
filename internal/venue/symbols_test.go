package venue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNativeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NativeSymbol("BTC/USDT"))
	assert.Equal(t, "ETHBTC", NativeSymbol("ETH/BTC"))
	assert.Equal(t, "BTCUSDT", NativeSymbol("BTCUSDT"))
}

func TestCanonicalSymbol(t *testing.T) {
	assert.Equal(t, "BTC/USDT", CanonicalSymbol("BTCUSDT"))
	assert.Equal(t, "BTC/USDT", CanonicalSymbol("btcusdt"))
	assert.Equal(t, "ETH/BTC", CanonicalSymbol("ETHBTC"))
	assert.Equal(t, "SOL/USDC", CanonicalSymbol("SOLUSDC"))
	// Already canonical passes through.
	assert.Equal(t, "BTC/USDT", CanonicalSymbol("BTC/USDT"))
	// Unknown quote returns input unchanged.
	assert.Equal(t, "XYZABC", CanonicalSymbol("XYZABC"))
}
