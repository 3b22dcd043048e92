package manager

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Manager API for tasks management, cluster nodes and metrics retrieval
type Api struct {
	Address string
	Port    int
	Manager *Manager
	Router  *chi.Mux
}

// Start the manager API server
func (a *Api) StartRouter() {
	a.initRouter()
	if err := http.ListenAndServe(fmt.Sprintf("%s:%d", a.Address, a.Port), a.Router); err != nil {
		log.Err(err).Msg("api server error")
	}
}

func (a *Api) initRouter() {
	a.Router = chi.NewRouter()
	a.Router.Route("/tasks", func(r chi.Router) {
		r.Post("/", a.StartTaskHandler)
		r.Delete("/{taskId}", a.StopTaskHandler)
		r.Get("/", a.GetTasksHandler)
	})
	a.Router.Route("/nodes", func(r chi.Router) {
		r.Get("/", a.GetNodesHandler)
	})
	a.Router.Handle("/metrics", promhttp.HandlerFor(a.Manager.Registry, promhttp.HandlerOpts{}))
}
