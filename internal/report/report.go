package report

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"gridtrader/internal/core"
)

// Final renders the terminal snapshot printed on shutdown or a fatal stop:
// whatever is still resting on the exchange plus the position, so manual
// recovery has everything in one place.
type Final struct {
	Symbol     string
	State      string
	OpenOrders []core.Order
	Position   core.Position
	StoppedAt  time.Time
}

func (f Final) Render(w io.Writer) {
	at := f.StoppedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetStyle(table.StyleLight)
	summary.AppendHeader(table.Row{"symbol", "final state", "stopped at"})
	summary.AppendRow(table.Row{f.Symbol, f.State, at.UTC().Format(time.RFC3339)})
	summary.Render()

	pos := table.NewWriter()
	pos.SetOutputMirror(w)
	pos.SetStyle(table.StyleLight)
	pos.SetTitle("position")
	pos.AppendHeader(table.Row{"qty", "entry", "mark", "unrealized", "realized"})
	pos.AppendRow(table.Row{
		f.Position.Qty.String(),
		f.Position.EntryPrice.String(),
		f.Position.MarkPrice.String(),
		f.Position.UnrealizedPnL.String(),
		f.Position.RealizedPnL.String(),
	})
	pos.Render()

	orders := table.NewWriter()
	orders.SetOutputMirror(w)
	orders.SetStyle(table.StyleLight)
	orders.SetTitle("open orders")
	orders.AppendHeader(table.Row{"id", "correlation", "side", "price", "qty", "filled", "status", "level"})
	if len(f.OpenOrders) == 0 {
		orders.AppendRow(table.Row{"none"})
	}
	for _, o := range f.OpenOrders {
		orders.AppendRow(table.Row{
			o.ID,
			o.CorrelationID,
			string(o.Side),
			o.Price.String(),
			o.Qty.String(),
			o.FilledQty.String(),
			string(o.Status),
			o.GridIndex,
		})
	}
	orders.SetColumnConfigs([]table.ColumnConfig{
		{Name: "price", Align: text.AlignRight},
		{Name: "qty", Align: text.AlignRight},
		{Name: "filled", Align: text.AlignRight},
	})
	orders.Render()
}
