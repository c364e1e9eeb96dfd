package datafetcher

import (
	"twse-screener/config"
	"twse-screener/services/health"
	"twse-screener/services/history"
)

// Engine is the single entry point the screener uses to obtain an
// annotated price series for one symbol. Both fetch strategies satisfy
// it, so the rest of the system never knows which upstream is in play.
type Engine interface {
	FetchAndProcess(symbol string, batch health.BatchContext) (*Series, error)
	Cached(symbol string) (*Series, bool)
	ClearCache()
	Prefetch(symbols []string)
}

// NewEngine selects the fetch strategy from config. "yahoo" picks the
// one-shot chart engine, anything else the TWSE backfill engine. The
// client is shared with universe selection so the whole fetch path
// spends one request budget.
func NewEngine(cfg *config.Config, client *DisguisedClient, store *history.Store, ledger *health.Ledger) Engine {
	if cfg.DataSource == "yahoo" {
		return NewDirectEngine(cfg, client, ledger)
	}
	return NewBackfillEngine(cfg, client, store, ledger)
}
