package manager

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"placement/rpc"
	"placement/task"
)

func (a *Api) StartTaskHandler(w http.ResponseWriter, r *http.Request) {
	tEvent := task.TaskEvent{}
	if err := json.NewDecoder(r.Body).Decode(&tEvent); err != nil {
		errMessage := fmt.Sprintf("error unmarshalling request body: %v", err)
		log.Error().Msg(errMessage)
		writeJSON(w, http.StatusBadRequest, rpc.ErrResponse{
			Message:        errMessage,
			HTTPStatusCode: http.StatusBadRequest,
		})
		return
	}
	if tEvent.Task.Id == uuid.Nil {
		tEvent.Task.Id = uuid.New()
	}
	if tEvent.Id == uuid.Nil {
		tEvent.Id = uuid.New()
	}

	a.Manager.AddTask(tEvent)
	log.Info().Str("task-id", tEvent.Task.Id.String()).Msg("task added")
	writeJSON(w, http.StatusCreated, tEvent.Task)
}

func (a *Api) StopTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskUuid, err := uuid.Parse(chi.URLParam(r, "taskId"))
	if err != nil {
		log.Error().Msg("taskId parameter isn't a valid uuid")
		writeJSON(w, http.StatusBadRequest, rpc.ErrResponse{
			Message:        "taskId parameter isn't a valid uuid",
			HTTPStatusCode: http.StatusBadRequest,
		})
		return
	}

	t, err := a.Manager.TaskDb.Get(taskUuid)
	if err != nil {
		log.Err(err).Str("task-id", taskUuid.String()).Msg("failed to retrieve task")
		writeJSON(w, http.StatusNotFound, rpc.ErrResponse{
			Message:        err.Error(),
			HTTPStatusCode: http.StatusNotFound,
		})
		return
	}

	tEvent := task.NewTaskEvent(t, task.Completed)
	a.Manager.AddTask(tEvent)

	log.Info().
		Str("event-id", tEvent.Id.String()).
		Str("task-id", t.Id.String()).
		Msg("task event submitted to stop task")
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) GetTasksHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Manager.GetTasks())
}

func (a *Api) GetNodesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Manager.GetNodes())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Err(err).Msg("failed to encode response")
	}
}
