package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/control"
	"github.com/loqalabs/loqa-scribe/internal/failure"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type api struct {
	cmds *control.Commands
	log  *slog.Logger
}

type errorBody struct {
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error"`
}

func newAPI(cmds *control.Commands, log *slog.Logger) *api {
	return &api{cmds: cmds, log: log.With(slog.String("component", "api"))}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/recording", a.handleBegin)
	mux.HandleFunc("POST /v1/recording/stop", a.handleEnd)
	mux.HandleFunc("POST /v1/recording/cancel", a.handleCancel)
	mux.HandleFunc("DELETE /v1/session", a.handleDiscard)
	mux.HandleFunc("GET /v1/state", a.handleState)
	mux.HandleFunc("POST /v1/transcriptions", a.handleTranscribe)

	mux.HandleFunc("GET /v1/models", a.handleModels)
	mux.HandleFunc("POST /v1/models/{id}/load", a.handleLoadModel)
	mux.HandleFunc("POST /v1/models/release", a.handleReleaseModel)

	mux.HandleFunc("GET /v1/artifacts", a.handleArtifacts)
	mux.HandleFunc("DELETE /v1/artifacts/{name}", a.handleDeleteArtifact)
	mux.HandleFunc("DELETE /v1/artifacts", a.handleDeleteArtifacts)

	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleSessionEvents)
}

func (a *api) handleBegin(w http.ResponseWriter, _ *http.Request) {
	snap, err := a.cmds.Begin()
	a.reply(w, http.StatusOK, snap, err)
}

func (a *api) handleEnd(w http.ResponseWriter, _ *http.Request) {
	snap, err := a.cmds.End()
	a.reply(w, http.StatusOK, snap, err)
}

func (a *api) handleCancel(w http.ResponseWriter, r *http.Request) {
	snap, err := a.cmds.Cancel(r.Context())
	a.reply(w, http.StatusOK, snap, err)
}

func (a *api) handleDiscard(w http.ResponseWriter, _ *http.Request) {
	snap, err := a.cmds.Discard()
	a.reply(w, http.StatusOK, snap, err)
}

func (a *api) handleState(w http.ResponseWriter, _ *http.Request) {
	a.reply(w, http.StatusOK, a.cmds.State(), nil)
}

func (a *api) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.Command
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{ErrorKind: "BadRequest", Error: "body must be {\"path\": \"<recording file name>\"}"})
		return
	}
	snap, err := a.cmds.TranscribeFile(cmd.Path)
	a.reply(w, http.StatusAccepted, snap, err)
}

func (a *api) handleModels(w http.ResponseWriter, _ *http.Request) {
	a.reply(w, http.StatusOK, a.cmds.Models(), nil)
}

func (a *api) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	list, err := a.cmds.LoadModel(r.Context(), r.PathValue("id"))
	a.reply(w, http.StatusOK, list, err)
}

func (a *api) handleReleaseModel(w http.ResponseWriter, _ *http.Request) {
	list, err := a.cmds.ReleaseModel()
	a.reply(w, http.StatusOK, list, err)
}

func (a *api) handleArtifacts(w http.ResponseWriter, _ *http.Request) {
	list, err := a.cmds.Artifacts()
	a.reply(w, http.StatusOK, list, err)
}

func (a *api) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := a.cmds.DeleteArtifact(r.PathValue("name")); err != nil {
		a.reply(w, 0, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleDeleteArtifacts(w http.ResponseWriter, _ *http.Request) {
	n, err := a.cmds.DeleteAllArtifacts()
	a.reply(w, http.StatusOK, map[string]int{"deleted": n}, err)
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.cmds.Sessions(r.Context(), queryInt(r, "limit"))
	a.reply(w, http.StatusOK, sessions, err)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.cmds.SessionEvents(r.Context(), r.PathValue("id"), queryInt(r, "limit"))
	a.reply(w, http.StatusOK, events, err)
}

func (a *api) reply(w http.ResponseWriter, status int, body any, err error) {
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			a.log.Error("request failed", slogError(err))
		}
		writeJSON(w, code, errorBody{ErrorKind: string(failure.KindOf(err)), Error: err.Error()})
		return
	}
	writeJSON(w, status, body)
}

// statusFor maps a failure kind onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, failure.ErrInvalidState),
		errors.Is(err, failure.ErrSessionBusy),
		errors.Is(err, failure.ErrEngineBusy):
		return http.StatusConflict
	case errors.Is(err, failure.ErrUnknownModel),
		errors.Is(err, failure.ErrUnknownArtifact):
		return http.StatusNotFound
	case errors.Is(err, failure.ErrCaptureUnavailable),
		errors.Is(err, failure.ErrModelNotLoaded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
