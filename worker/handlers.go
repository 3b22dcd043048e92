package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"placement/rpc"
)

func (a *Api) RequestWorkerLeaseHandler(w http.ResponseWriter, r *http.Request) {
	var req rpc.LeaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reply, err := a.Agent.RequestWorkerLease(r.Context(), req)
	respond(w, reply, err)
}

func (a *Api) GetLeasesHandler(w http.ResponseWriter, r *http.Request) {
	respond(w, a.Agent.GetLeases(), nil)
}

func (a *Api) CancelWorkerLeaseHandler(w http.ResponseWriter, r *http.Request) {
	taskId, ok := uuidParam(w, r, "taskId")
	if !ok {
		return
	}
	reply, err := a.Agent.CancelWorkerLease(taskId)
	respond(w, reply, err)
}

func (a *Api) ReturnWorkerHandler(w http.ResponseWriter, r *http.Request) {
	workerId, ok := uuidParam(w, r, "workerId")
	if !ok {
		return
	}
	disconnect, _ := strconv.ParseBool(r.URL.Query().Get("disconnect"))
	if err := a.Agent.ReturnWorker(workerId, disconnect); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) ReleaseUnusedWorkersHandler(w http.ResponseWriter, r *http.Request) {
	var req rpc.ReleaseUnusedWorkersRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reply, err := a.Agent.ReleaseUnusedWorkers(req.InUse)
	respond(w, reply, err)
}

func (a *Api) PrepareBundleHandler(w http.ResponseWriter, r *http.Request) {
	var spec rpc.BundleSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	reply, err := a.Agent.PrepareBundleResources(spec)
	respond(w, reply, err)
}

func (a *Api) CommitBundleHandler(w http.ResponseWriter, r *http.Request) {
	var spec rpc.BundleSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	reply, err := a.Agent.CommitBundleResources(spec)
	respond(w, reply, err)
}

func (a *Api) CancelBundleHandler(w http.ResponseWriter, r *http.Request) {
	var spec rpc.BundleSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	reply, err := a.Agent.CancelResourceReserve(spec)
	respond(w, reply, err)
}

func (a *Api) ReleaseUnusedBundlesHandler(w http.ResponseWriter, r *http.Request) {
	var req rpc.ReleaseUnusedBundlesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reply, err := a.Agent.ReleaseUnusedBundles(req.InUse)
	respond(w, reply, err)
}

func (a *Api) PinObjectsHandler(w http.ResponseWriter, r *http.Request) {
	var req rpc.PinObjectsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reply, err := a.Agent.PinObjectIDs(req)
	respond(w, reply, err)
}

func (a *Api) GetResourceReportHandler(w http.ResponseWriter, r *http.Request) {
	reply, err := a.Agent.RequestResourceReport()
	respond(w, reply, err)
}

func (a *Api) UpdateResourceUsageHandler(w http.ResponseWriter, r *http.Request) {
	var batch rpc.ResourceUsageBatch
	if !decodeBody(w, r, &batch) {
		return
	}
	reply, err := a.Agent.UpdateResourceUsage(batch)
	respond(w, reply, err)
}

func (a *Api) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	respond(w, a.Agent.GetStats(), nil)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		errMessage := fmt.Sprintf("error unmarshalling request body: %v", err)
		log.Error().Str("path", r.URL.Path).Msg(errMessage)
		writeJSON(w, http.StatusBadRequest, rpc.ErrResponse{
			Message:        errMessage,
			HTTPStatusCode: http.StatusBadRequest,
		})
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		errMessage := fmt.Sprintf("%s parameter isn't a valid uuid", name)
		log.Error().Str("path", r.URL.Path).Msg(errMessage)
		writeJSON(w, http.StatusBadRequest, rpc.ErrResponse{
			Message:        errMessage,
			HTTPStatusCode: http.StatusBadRequest,
		})
		return uuid.Nil, false
	}
	return id, true
}

func respond(w http.ResponseWriter, reply any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownWorker), errors.Is(err, ErrUnknownBundle):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	log.Err(err).Int("status-code", status).Msg("request failed")
	writeJSON(w, status, rpc.ErrResponse{
		Message:        err.Error(),
		HTTPStatusCode: status,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Err(err).Msg("failed to encode response")
	}
}
