package matrix

import (
	"github.com/google/uuid"

	"github.com/provide-io/tofusoup-go/compat"
)

// Cell is one (client runtime, server runtime, crypto config) combination
// scheduled for execution.
type Cell struct {
	ID       string
	Index    int
	Client   string
	Server   string
	CryptoID string

	// Verdict is the compatibility table's answer for this combination,
	// captured at expansion time so the runner never consults the table
	// again.
	Verdict compat.Verdict
}

// Expand produces the ordered cell list for a plan: clients outermost,
// then servers, then crypto configurations. A nil table means the embedded
// default rules.
func Expand(plan Plan, table *compat.Table) []Cell {
	if table == nil {
		table = compat.DefaultTable()
	}
	cells := make([]Cell, 0, len(plan.Clients)*len(plan.Servers)*len(plan.Crypto))
	for _, client := range plan.Clients {
		for _, server := range plan.Servers {
			for _, id := range plan.Crypto {
				cells = append(cells, Cell{
					ID:       uuid.NewString(),
					Index:    len(cells),
					Client:   client,
					Server:   server,
					CryptoID: id,
					Verdict: table.Validate(compat.Pair{
						Client: client,
						Server: server,
						Crypto: id,
					}),
				})
			}
		}
	}
	return cells
}
