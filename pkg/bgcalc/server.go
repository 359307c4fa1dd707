package bgcalc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// maxArgsBytes bounds the size of task arguments accepted by the server.
const maxArgsBytes = 1 << 20

// NewServer exposes app over HTTP. Middlewares run after route matching.
func NewServer(app *LocalApp, logger *slog.Logger, middlewares ...mux.MiddlewareFunc) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	svr := &server{app: app, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/health", svr.getHealth).Methods(http.MethodGet).Name("GetHealth")
	router.HandleFunc("/task/{name}", svr.postTask).Methods(http.MethodPost).Name("PostTask")
	router.HandleFunc("/result/{id}", svr.getResult).Methods(http.MethodGet).Name("GetResult")
	router.HandleFunc("/revoke/{id}", svr.postRevoke).Methods(http.MethodPost).Name("PostRevoke")
	router.Use(middlewares...)

	return router
}

type server struct {
	app    *LocalApp
	logger *slog.Logger
}

// GET /health
func (s *server) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// POST /task/{name}
func (s *server) postTask(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxArgsBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if len(payload) == 0 {
		payload = []byte("null")
	}

	if !json.Valid(payload) {
		http.Error(w, "task arguments must be JSON", http.StatusBadRequest)

		return
	}

	res, err := s.app.Submit(name, payload)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownTask) {
			status = http.StatusNotFound
		} else if errors.Is(err, ErrClosed) {
			status = http.StatusServiceUnavailable
		}

		http.Error(w, err.Error(), status)

		return
	}

	rec, _ := s.app.Record(res.ID())
	s.logger.DebugContext(r.Context(), "task accepted", "task_id", rec.TaskID, "fn", name)
	s.writeJSON(w, r, http.StatusCreated, rec)
}

// GET /result/{id}
func (s *server) getResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, ok := s.app.Record(id)
	if !ok {
		http.Error(w, ErrTaskNotFound.Error(), http.StatusNotFound)

		return
	}

	s.writeJSON(w, r, http.StatusOK, rec)
}

// POST /revoke/{id}?terminate=true&signal=SIGKILL
func (s *server) postRevoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	terminate, _ := strconv.ParseBool(r.URL.Query().Get("terminate"))

	err := s.app.Revoke(r.Context(), id, terminate, r.URL.Query().Get("signal"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		s.logger.WarnContext(r.Context(), "failed to write response", "error", err)
	}
}
