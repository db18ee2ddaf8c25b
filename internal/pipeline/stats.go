package pipeline

import "sync/atomic"

type Stats struct {
	Queued     int64 `json:"queued"`
	Running    int64 `json:"running"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Categories int64 `json:"categories"`
	Products   int64 `json:"products"`
}

type counters struct {
	queued     atomic.Int64
	running    atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	categories atomic.Int64
	products   atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Queued:     c.queued.Load(),
		Running:    c.running.Load(),
		Succeeded:  c.succeeded.Load(),
		Failed:     c.failed.Load(),
		Categories: c.categories.Load(),
		Products:   c.products.Load(),
	}
}
