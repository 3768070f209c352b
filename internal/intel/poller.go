package intel

import (
	"context"
	"time"

	"secgate/gateway/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Poller pulls a TAXII collection into the store on an interval.
type Poller struct {
	Client       *TAXIIClient
	Store        *Store
	CollectionID string
	Interval     time.Duration

	last time.Time
}

func NewPoller(client *TAXIIClient, store *Store, collectionID string, interval time.Duration) *Poller {
	return &Poller{
		Client:       client,
		Store:        store,
		CollectionID: collectionID,
		Interval:     interval,
	}
}

// Run polls once immediately, then every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.Interval)
	defer t.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches objects added since the last successful poll. The first poll
// fetches the whole collection.
func (p *Poller) Poll(ctx context.Context) int {
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	started := time.Now()
	inds, err := p.Client.FetchIndicators(pctx, p.CollectionID, p.last)
	kept := 0
	for _, ind := range inds {
		if p.Store.Add(ind) {
			kept++
		}
	}
	if err != nil {
		metrics.IntelPolls.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("peer", p.Client.BaseURL).Str("collection", p.CollectionID).Msg("taxii poll failed")
		return kept
	}
	metrics.IntelPolls.WithLabelValues("ok").Inc()
	// overlap by one interval; Add is idempotent
	p.last = started.Add(-p.Interval)
	if kept > 0 {
		log.Info().Int("indicators", kept).Str("peer", p.Client.BaseURL).Msg("taxii indicators loaded")
	}
	return kept
}
