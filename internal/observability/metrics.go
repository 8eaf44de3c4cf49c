package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lobby"

var (
	// Sessions is the number of open transport sessions.
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "number of open client sessions",
	})

	// LoggedInAccounts is the number of accounts currently logged in.
	LoggedInAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "logged_in_accounts",
		Help:      "number of accounts with an active login",
	})

	// WorldPlayers is the number of players present in the world.
	WorldPlayers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "world_players",
		Help:      "number of players in the shared world",
	})

	// LoginAttempts counts login attempts by result.
	LoginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_attempts_total",
		Help:      "login attempts partitioned by result",
	}, []string{"result"})

	// BroadcastDeliveries counts per-subscriber channel deliveries by outcome.
	BroadcastDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_deliveries_total",
		Help:      "channel deliveries partitioned by channel and outcome",
	}, []string{"channel", "outcome"})

	// DispatchedMessages counts client messages by type tag and outcome.
	DispatchedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatched_messages_total",
		Help:      "client messages partitioned by type tag and outcome",
	}, []string{"type", "outcome"})

	// MatchRequests counts match requests by kind (create, add_users, noop).
	MatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_requests_total",
		Help:      "match requests partitioned by kind",
	}, []string{"kind"})

	// MatchServiceResults counts match service completions by kind and outcome.
	MatchServiceResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_service_results_total",
		Help:      "match service completions partitioned by kind and outcome",
	}, []string{"kind", "outcome"})

	// MatchesFinished counts terminal match results by outcome.
	MatchesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matches_finished_total",
		Help:      "finished matches partitioned by outcome",
	}, []string{"outcome"})

	// ActiveMatches is the number of matches tracked as pending or active.
	ActiveMatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_matches",
		Help:      "number of pending or active matches",
	})

	// DedicatedServers is the number of running dedicated server processes.
	DedicatedServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dedicated_servers",
		Help:      "number of running dedicated server processes",
	})

	// LogMessages counts emitted log entries by level.
	LogMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_messages_total",
		Help:      "log entries partitioned by level",
	}, []string{"level"})
)

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeUnknown  = "unknown"
)

// RegisterMetrics registers every lobby collector with r.
//
// Precondition: r must be non-nil and must not already hold these collectors.
// Postcondition: All collectors are registered, or the first registration error is returned.
func RegisterMetrics(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		Sessions,
		LoggedInAccounts,
		WorldPlayers,
		LoginAttempts,
		BroadcastDeliveries,
		DispatchedMessages,
		MatchRequests,
		MatchServiceResults,
		MatchesFinished,
		ActiveMatches,
		DedicatedServers,
		LogMessages,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Outcome maps an error to the OutcomeOK / OutcomeFailed label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeOK
}
