// internal/shared/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Convention de nommage: namespace_subsystem_name
// - namespace: tetris_duel
// - subsystem: lobby, db, match

var (
	// OnlineUsers suit le nombre de sessions authentifiées
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tetris_duel",
		Subsystem: "lobby",
		Name:      "online_users",
		Help:      "Current number of authenticated sessions",
	})

	// ActiveRooms suit le nombre de salles vivantes
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tetris_duel",
		Subsystem: "lobby",
		Name:      "rooms_active",
		Help:      "Current number of live rooms",
	})

	// ActiveMatches suit le nombre de serveurs de match en cours
	ActiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tetris_duel",
		Subsystem: "match",
		Name:      "matches_active",
		Help:      "Current number of running match servers",
	})

	// LobbyRequests compte les requêtes traitées par le service de session
	LobbyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tetris_duel",
		Subsystem: "lobby",
		Name:      "requests_total",
		Help:      "Total session service requests processed",
	}, []string{"action", "status"})

	// DBRequests compte les requêtes traitées par le service de persistance
	DBRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tetris_duel",
		Subsystem: "db",
		Name:      "requests_total",
		Help:      "Total persistence service requests processed",
	}, []string{"action", "status"})

	// SnapshotsSent compte les instantanés diffusés par les serveurs de match
	SnapshotsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tetris_duel",
		Subsystem: "match",
		Name:      "snapshots_sent_total",
		Help:      "Total snapshot frames broadcast",
	})
)

func IncOnline() {
	OnlineUsers.Inc()
}

func DecOnline() {
	OnlineUsers.Dec()
}

// AdminRouter expose /metrics et /healthz pour la supervision
func AdminRouter(service string) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok " + service))
	}).Methods(http.MethodGet)
	return r
}
