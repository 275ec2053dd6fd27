package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

// counter names
const (
	ConnectedClients = "ConnectedClients"
	RelayPublished   = "RelayPublished"
	RelayReceived    = "RelayReceived"
	RelayDropped     = "RelayDropped"
	DeliveryFailures = "DeliveryFailures"
	MessagesSent     = "MessagesSent"
)

// Counters lists every counter the chat server maintains.
var Counters = []string{
	ConnectedClients,
	RelayPublished,
	RelayReceived,
	RelayDropped,
	DeliveryFailures,
	MessagesSent,
}

const mapName = "chatfleet-stats"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater instance and serves its
// counters on mux.
func NewStatsUpdater(mux *http.ServeMux, serverId string) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))

	// expvar names are process global
	if v, ok := expvar.Get(mapName).(*expvar.Map); ok {
		su.vars = v
	} else {
		su.vars = expvar.NewMap(mapName)
	}
	su.initializeMetrics(serverId)

	return su
}

func (su *StatsUpdater) initializeMetrics(serverId string) {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	id := new(expvar.String)
	id.Set(serverId)
	su.vars.Set("ServerId", id)
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric, ok := su.vars.Get(req.name).(*expvar.Int)
		if !ok {
			continue
		}

		metric.Add(int64(req.value))
	}
}

// Incr and Decr drop the update if the queue is full so that a stalled
// updater never blocks a connection.
func (su *StatsUpdater) Incr(name string) {
	su.update(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.update(name, -1)
}

func (su *StatsUpdater) update(name string, value int) {
	select {
	case su.updateChan <- &metricsUpdateReq{name: name, value: value}:
	default:
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
