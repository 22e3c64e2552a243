package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "matches_total", Help: "Jobs successfully matched to a driver"})
	OffersTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "offers_total", Help: "Offers delivered to drivers"})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "offers_accepted_total", Help: "Offers accepted by drivers"})
	OffersRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "offers_rejected_total", Help: "Offers rejected by drivers"})
	OffersExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "offers_expired_total", Help: "Offers that timed out"})
	NoDriversTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "no_drivers_total", Help: "Match attempts that exhausted all candidates"})
	StaleRaces     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "stale_location_races_total", Help: "Candidates skipped because availability changed between selection and offer"})
	StallRetries   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "stall_retries_total", Help: "Stalled jobs rolled back and re-entered into matching"})

	LocationPings = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "location_pings_total", Help: "Driver location pings accepted"})

	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "kwenda_dispatch", Name: "match_latency_seconds", Help: "Match attempt latency"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "kwenda_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kwenda_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
