package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"gridtrader/internal/core"
)

func TestFinalRenderListsOrdersAndPosition(t *testing.T) {
	var buf bytes.Buffer
	Final{
		Symbol: "BTCUSDT",
		State:  "stopped",
		OpenOrders: []core.Order{
			{
				ID:            "42",
				CorrelationID: "gt-abc",
				Side:          core.Buy,
				Price:         decimal.RequireFromString("9400"),
				Qty:           decimal.RequireFromString("0.01"),
				Status:        core.OrderNew,
				GridIndex:     4,
			},
		},
		Position: core.Position{
			Qty:        decimal.RequireFromString("0.5"),
			EntryPrice: decimal.RequireFromString("9450"),
		},
		StoppedAt: time.Unix(1700000000, 0),
	}.Render(&buf)

	out := buf.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "gt-abc")
	assert.Contains(t, out, "9400")
	assert.Contains(t, out, "9450")
	assert.Contains(t, out, "open orders")
}

func TestFinalRenderHandlesEmptyBook(t *testing.T) {
	var buf bytes.Buffer
	Final{Symbol: "ETHUSDT", State: "fatal"}.Render(&buf)
	assert.Contains(t, buf.String(), "none")
}
