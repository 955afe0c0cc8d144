// Package metrics holds the process-wide Prometheus collectors.
//
// Labels are bounded: reasons are fixed strings and worker labels are pool
// indices. No per-user or per-game labels.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Worker pool metrics
	workerGames = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_games_assigned",
		Help: "Games currently assigned to each worker",
	}, []string{"worker"})

	workerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_restarts_total",
		Help: "Workers respawned after a crash or forced restart",
	})

	startAckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_start_ack_seconds",
		Help:    "Time between routing a start action and its acknowledgment",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
	})

	startAckTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_start_ack_timeouts_total",
		Help: "Start actions that were not acknowledged in time",
	})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_tick_duration_seconds",
		Help:    "Time spent in one worker tick across all its games",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})

	// Game registry
	activeGames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "games_registered",
		Help: "Games currently held by the registry",
	})

	gamesEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "games_ended_total",
		Help: "Games that reached the ended state",
	}, []string{"reason"}) // Bounded: finished, aborted, worker_crash, abandoned, idle

	// Join tokens
	tokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "join_tokens_issued_total",
		Help: "Pending connection tokens issued",
	})

	tokensRedeemed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "join_tokens_redeemed_total",
		Help: "Pending connection tokens redeemed",
	})

	tokensExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "join_tokens_expired_total",
		Help: "Pending connection tokens that expired before use",
	})

	// Tournaments
	tournamentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tournament_transitions_total",
		Help: "Tournament state transitions",
	}, []string{"to"})

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections or requests rejected by limiters and caps",
	}, []string{"reason"}) // Bounded: rate_limit, origin, user_limit, total_limit, invalid_token

	streamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stream_connections_active",
		Help: "Currently attached stream clients",
	})

	gameChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "game_channels_active",
		Help: "Currently bound game channels",
	})

	eventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_events_sent_total",
		Help: "Events delivered to stream clients and game channels",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_events_dropped_total",
		Help: "Events dropped because a client buffer was full",
	})

	// Chat fan-out
	chatFanoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_fanout_seconds",
		Help:    "Time from accepting a chat message to broadcasting it",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	chatRecipients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_recipients_reached_total",
		Help: "Stream clients that received a chat message",
	})

	chatRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_rejected_total",
		Help: "Chat messages refused because the fan-out backlog was full",
	})

	// HTTP metrics with bounded labels
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is the route pattern, not the URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})
)

func SetWorkerGames(index, count int) {
	workerGames.WithLabelValues(strconv.Itoa(index)).Set(float64(count))
}

func RecordWorkerRestart() { workerRestarts.Inc() }

func RecordStartAck(d time.Duration) { startAckDuration.Observe(d.Seconds()) }

func RecordStartTimeout() { startAckTimeouts.Inc() }

func RecordTick(d time.Duration) { tickDuration.Observe(d.Seconds()) }

func SetActiveGames(n int) { activeGames.Set(float64(n)) }

func RecordGameEnded(reason string) { gamesEnded.WithLabelValues(reason).Inc() }

func RecordTokenIssued() { tokensIssued.Inc() }

func RecordTokenRedeemed() { tokensRedeemed.Inc() }

func RecordTokensExpired(n int) { tokensExpired.Add(float64(n)) }

func RecordTournamentTransition(to string) { tournamentTransitions.WithLabelValues(to).Inc() }

// RecordConnectionRejected increments the rejection counter.
// reason must be one of: "rate_limit", "origin", "user_limit", "total_limit", "invalid_token"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

func SetStreamConnections(n int) { streamConnections.Set(float64(n)) }

func SetGameChannels(n int) { gameChannels.Set(float64(n)) }

func RecordEventSent() { eventsSent.Inc() }

func RecordEventDropped() { eventsDropped.Inc() }

// RecordChatFanout observes one broadcast chat message.
func RecordChatFanout(wait time.Duration, reached int) {
	chatFanoutLatency.Observe(wait.Seconds())
	chatRecipients.Add(float64(reached))
}

func RecordChatRejected() { chatRejected.Inc() }

// RecordRequest records HTTP request metrics
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}
