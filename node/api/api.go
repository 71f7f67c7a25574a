// Package api implements the coordinator's two HTTP surfaces from spec.md
// section 6: the client-facing job submission surface and the admin
// surface, plus the worker websocket upgrade endpoint. The route
// registration and Error/WriteJSON idioms follow the teacher's
// node/api/routes.go.
package api

import (
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/gridlabs/coordinator/modules"
	"gitlab.com/gridlabs/coordinator/modules/dispatcher"
	"gitlab.com/gridlabs/coordinator/modules/ledger"
	"gitlab.com/gridlabs/coordinator/modules/queue"
	"gitlab.com/gridlabs/coordinator/modules/registry"
	"gitlab.com/gridlabs/coordinator/modules/session"
	"gitlab.com/gridlabs/coordinator/persist"
)

// Config holds the API's validation and policy parameters, assembled once
// by cmd/coordinatord from its flags (spec.md section 6's enumerated
// process-wide config).
type Config struct {
	SupportedLanguages map[string]bool
	MaxCodeBytes        int
	DefaultTimeoutSeconds int
	CoordinatorOwner     string
	RecentWindowSeconds  int
}

// API wires every coordinator component into HTTP handlers.
type API struct {
	store      modules.Store
	ledger     *ledger.Ledger
	registry   *registry.Registry
	queue      *queue.Queue
	dispatcher *dispatcher.Dispatcher
	hub        *session.Hub
	config     Config
	log        *persist.Logger

	routerMu sync.Mutex
	router   http.Handler
}

// New constructs an API and builds its route table.
func New(store modules.Store, led *ledger.Ledger, reg *registry.Registry, q *queue.Queue, disp *dispatcher.Dispatcher, hub *session.Hub, config Config, log *persist.Logger) *API {
	api := &API{
		store:      store,
		ledger:     led,
		registry:   reg,
		queue:      q,
		dispatcher: disp,
		hub:        hub,
		config:     config,
		log:        log,
	}
	api.buildHTTPRoutes()
	return api
}

// ServeHTTP implements http.Handler.
func (api *API) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	api.routerMu.Lock()
	router := api.router
	api.routerMu.Unlock()
	router.ServeHTTP(w, req)
}

func (api *API) buildHTTPRoutes() {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.NotFound = http.HandlerFunc(api.unrecognizedCallHandler)

	// Client-facing job submission surface.
	router.POST("/jobs", api.submitJobHandler)
	router.GET("/jobs/:id", api.getJobHandler)
	router.GET("/jobs/:id/logs", api.jobLogsHandler)
	router.GET("/users/:id/jobs", api.listJobsByUserHandler)
	router.GET("/users/:id/balance", api.balanceHandler)
	router.GET("/workers", api.listWorkersHandler)

	// Admin surface.
	router.POST("/admin/workers/:id/disconnect", api.adminDisconnectHandler)
	router.POST("/admin/workers/:id/ban", api.adminBanHandler)
	router.POST("/admin/workers/:id/suspend", api.adminSuspendHandler)
	router.POST("/admin/workers/:id/unsuspend", api.adminUnsuspendHandler)
	router.GET("/admin/overview", api.adminOverviewHandler)
	router.POST("/admin/broadcast", api.adminBroadcastHandler)

	// Worker session transport.
	router.GET("/workers/connect", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		api.hub.ServeWebsocket(w, req)
	})

	api.routerMu.Lock()
	api.router = router
	api.routerMu.Unlock()
}

// unrecognizedCallHandler implements the 404 "unknown path" case of
// spec.md section 6.
func (api *API) unrecognizedCallHandler(w http.ResponseWriter, req *http.Request) {
	WriteError(w, Error{"unrecognized call: " + req.URL.Path}, http.StatusNotFound)
}
