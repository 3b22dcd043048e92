package worker

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type Api struct {
	Address string
	Port    int
	Agent   *Agent
	Router  *chi.Mux
}

func (a *Api) StartRouter() {
	a.initRouter()
	if err := http.ListenAndServe(fmt.Sprintf("%s:%d", a.Address, a.Port), a.Router); err != nil {
		log.Err(err).Msg("api server error")
	}
}

func (a *Api) initRouter() {
	a.Router = chi.NewRouter()
	a.Router.Route("/leases", func(r chi.Router) {
		r.Post("/", a.RequestWorkerLeaseHandler)
		r.Get("/", a.GetLeasesHandler)
		r.Delete("/{taskId}", a.CancelWorkerLeaseHandler)
	})
	a.Router.Route("/workers", func(r chi.Router) {
		r.Delete("/{workerId}", a.ReturnWorkerHandler)
		r.Post("/release", a.ReleaseUnusedWorkersHandler)
	})
	a.Router.Route("/bundles", func(r chi.Router) {
		r.Post("/prepare", a.PrepareBundleHandler)
		r.Post("/commit", a.CommitBundleHandler)
		r.Post("/cancel", a.CancelBundleHandler)
		r.Post("/release", a.ReleaseUnusedBundlesHandler)
	})
	a.Router.Route("/objects", func(r chi.Router) {
		r.Post("/pin", a.PinObjectsHandler)
	})
	a.Router.Route("/resources", func(r chi.Router) {
		r.Get("/", a.GetResourceReportHandler)
		r.Put("/", a.UpdateResourceUsageHandler)
	})
	a.Router.Route("/stats", func(r chi.Router) {
		r.Get("/", a.GetStatsHandler)
	})
}
