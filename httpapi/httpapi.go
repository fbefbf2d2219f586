// Package httpapi is the tablet server's admin surface: JSON endpoints
// over the meta cache, live scanner state, and heartbeat stats, plus
// the process's Prometheus registry, the same role scheduler/server/api
// plays for a PD server, scaled down to one tablet server's own state
// instead of a whole cluster's.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"

	"github.com/tabletdb/tabletdb/metacache"
	"github.com/tabletdb/tabletdb/storage"
	"github.com/tabletdb/tabletdb/tablet"
	"github.com/tabletdb/tabletdb/tabletlog"
)

// Handler bundles the state the admin endpoints read. Every field is
// optional; an endpoint whose dependency is nil reports 503 rather
// than panicking, so a tabletctl-only build can still mount the
// surface against a partially wired server.
type Handler struct {
	ServerID  string
	Cache     *metacache.Cache
	Scanners  *storage.ScannerRegistry
	Heartbeat *tablet.HeartbeatReporter

	rd *render.Render
}

// NewHandler builds a Handler with its own IndentJSON renderer,
// following scatter_range.go's render.New(render.Options{IndentJSON:
// true}) and the rest of scheduler/server/api's handler structs.
func NewHandler(serverID string, cache *metacache.Cache, scanners *storage.ScannerRegistry, hb *tablet.HeartbeatReporter) *Handler {
	return &Handler{
		ServerID:  serverID,
		Cache:     cache,
		Scanners:  scanners,
		Heartbeat: hb,
		rd:        render.New(render.Options{IndentJSON: true}),
	}
}

// NewRouter wires every admin endpoint onto a fresh mux.Router wrapped
// in a negroni chain (recovery, then an access-log line per request),
// the same router-plus-middleware split createRouter/NewHandler use in
// pd/server/api, minus the auth middleware this single-tenant admin
// surface has no use for.
func (h *Handler) NewRouter() http.Handler {
	router := mux.NewRouter()
	router.Handle("/status", http.HandlerFunc(h.Status)).Methods("GET")
	router.Handle("/tablets/{table_id}", http.HandlerFunc(h.TabletsForTable)).Methods("GET")
	router.Handle("/scanners", http.HandlerFunc(h.Scanners_)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	n := negroni.New(negroni.NewRecovery(), newAccessLogger())
	n.UseHandler(router)
	return n
}

// Status reports this tablet server's most recent heartbeat sample.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.Heartbeat == nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, "heartbeat reporter not wired")
		return
	}
	h.rd.JSON(w, http.StatusOK, h.Heartbeat.Snapshot())
}

// tabletView is the JSON-friendly projection of tablet.Remote the admin
// surface exposes; it deliberately excludes the internal failure map
// and mutex, the same "status DTO, not the live object" split
// MetaStore/StoreStatus draw in scheduler/server/api/store.go.
type tabletView struct {
	ID            string           `json:"id"`
	PartitionLow  []byte           `json:"partition_low"`
	PartitionHigh []byte           `json:"partition_high,omitempty"`
	Stale         bool             `json:"stale"`
	Replicas      []tablet.Replica `json:"replicas"`
}

// TabletsForTable lists the tablets this server's meta cache currently
// holds for the {table_id} path segment, ordered by partition start
// key the way metacache.Cache keeps them internally.
func (h *Handler) TabletsForTable(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, "meta cache not wired")
		return
	}
	vars := mux.Vars(r)
	raw, err := strconv.ParseUint(vars["table_id"], 10, 32)
	if err != nil {
		h.rd.JSON(w, http.StatusBadRequest, "invalid table id: "+vars["table_id"])
		return
	}
	tableID := uint32(raw)

	views := make([]tabletView, 0)
	h.Cache.Walk(tableID, func(t *tablet.Remote) {
		views = append(views, tabletView{
			ID:            t.ID,
			PartitionLow:  t.PartitionLow,
			PartitionHigh: t.PartitionHigh,
			Stale:         t.IsStale(),
			Replicas:      t.Replicas(),
		})
	})
	h.rd.JSON(w, http.StatusOK, views)
}

// scannerView is the JSON-friendly summary of storage.Scanner; the
// underlying RowIterator is not itself serializable so only its
// lifecycle bookkeeping is exposed.
type scannerView struct {
	Count int `json:"open_scanner_count"`
}

// Scanners_ reports how many scan cursors are currently registered.
// Named with a trailing underscore to avoid colliding with the
// Scanners field; the route itself is just /scanners.
func (h *Handler) Scanners_(w http.ResponseWriter, r *http.Request) {
	if h.Scanners == nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, "scanner registry not wired")
		return
	}
	h.rd.JSON(w, http.StatusOK, scannerView{Count: h.Scanners.Len()})
}

func newAccessLogger() negroni.Handler {
	logger := tabletlog.Component("httpapi")
	return negroni.HandlerFunc(func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		next(w, r)
		logger.Debug(r.Method + " " + r.URL.Path)
	})
}
