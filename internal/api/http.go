// Package api exposes the service operations over HTTP. Every response uses
// the Outcome envelope; authenticated routes resolve the caller from a
// Bearer session token before the operation runs.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/sfrink/certus/internal/logging"
	"github.com/sfrink/certus/internal/protocol"
	"github.com/sfrink/certus/internal/service"
)

type Handler struct {
	service *service.Service
	logger  *slog.Logger
}

func NewHandler(svc *service.Service, logger *slog.Logger) *Handler {
	return &Handler{service: svc, logger: logger}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	// Unauthenticated.
	mux.HandleFunc("POST /v1/auth/register", h.handleRegister)
	mux.HandleFunc("POST /v1/auth/login", h.handleLogin)
	mux.HandleFunc("POST /v1/auth/reset", h.handleResetPassword)

	// Account.
	mux.HandleFunc("POST /v1/auth/logout", h.authed(h.handleLogout))
	mux.HandleFunc("POST /v1/auth/password", h.authed(h.handleChangePassword))
	mux.HandleFunc("POST /v1/users/edit", h.authed(h.handleEditUser))
	mux.HandleFunc("POST /v1/users/key", h.authed(h.handleUploadPublicKey))
	mux.HandleFunc("POST /v1/users/key/generate", h.authed(h.handleGenerateKeys))

	// Administration.
	mux.HandleFunc("GET /v1/users", h.authed(h.handleListUsers))
	mux.HandleFunc("POST /v1/users/status", h.authed(h.handleSetUserStatus))

	// Elections.
	mux.HandleFunc("POST /v1/elections", h.authed(h.handleCreateElection))
	mux.HandleFunc("POST /v1/elections/edit", h.authed(h.handleEditElection))
	mux.HandleFunc("POST /v1/elections/voters", h.authed(h.handleAddVoters))
	mux.HandleFunc("GET /v1/elections", h.authed(h.handleListVotable))
	mux.HandleFunc("GET /v1/elections/owned", h.authed(h.handleListOwned))
	mux.HandleFunc("GET /v1/elections/all", h.authed(h.handleListAll))
	mux.HandleFunc("GET /v1/elections/{id}", h.authed(h.handleGetElection))
	mux.HandleFunc("GET /v1/elections/{id}/key", h.authed(h.handleElectionKey))
	mux.HandleFunc("GET /v1/elections/{id}/candidates", h.authed(h.handleListCandidates))
	mux.HandleFunc("POST /v1/elections/candidates/status", h.authed(h.handleSetCandidateStatus))
	mux.HandleFunc("POST /v1/elections/{id}/open", h.authed(h.handleOpenElection))
	mux.HandleFunc("POST /v1/elections/{id}/close", h.authed(h.handleCloseElection))
	mux.HandleFunc("DELETE /v1/elections/{id}", h.authed(h.handleDeleteElection))

	// Voting and results.
	mux.HandleFunc("POST /v1/vote", h.authed(h.handleCastVote))
	mux.HandleFunc("GET /v1/elections/{id}/progress", h.authed(h.handleVoteProgress))
	mux.HandleFunc("POST /v1/elections/publish", h.authed(h.handlePublishResults))
	mux.HandleFunc("GET /v1/elections/{id}/results", h.authed(h.handleResults))

	return mux
}

// authedHandler is a handler that already knows who is calling.
type authedHandler func(w http.ResponseWriter, r *http.Request, callerID int64)

// authed resolves the Bearer session token. An absent, stale, or expired
// token gets one uniform response.
func (h *Handler) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.writeError(w, r, service.NewAppError(http.StatusUnauthorized, "UNAUTHENTICATED", "a session token is required", false, nil))
			return
		}
		callerID, ok := h.service.Authenticate(token)
		if !ok {
			h.writeError(w, r, service.NewAppError(http.StatusUnauthorized, "UNAUTHENTICATED", "session is invalid or expired", false, nil))
			return
		}
		logging.AddField(r.Context(), "caller_id", callerID)
		next(w, r, callerID)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "health")
	writeOutcome(w, http.StatusOK, "ok", nil)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	user, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "register")
	logging.AddField(r.Context(), "user_id", user.ID)
	writeOutcome(w, http.StatusCreated, "account created", user)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.service.Login(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "login")
	logging.AddField(r.Context(), "user_id", resp.User.ID)
	writeOutcome(w, http.StatusOK, "logged in", resp)
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	if err := h.service.ResetPassword(r.Context(), req); err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "reset_password")
	writeOutcome(w, http.StatusOK, "if the address has an account, a temporary password was sent", nil)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request, callerID int64) {
	h.service.Logout(r.Context(), bearerToken(r))
	logging.AddField(r.Context(), "op", "logout")
	writeOutcome(w, http.StatusOK, "logged out", nil)
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	if err := h.service.ChangePassword(r.Context(), callerID, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "change_password")
	writeOutcome(w, http.StatusOK, "password changed; log in again", nil)
}

func (h *Handler) handleEditUser(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.EditUserRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	user, err := h.service.EditUser(r.Context(), callerID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "edit_user")
	writeOutcome(w, http.StatusOK, "profile updated", user)
}

func (h *Handler) handleUploadPublicKey(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.UploadPublicKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	if err := h.service.UploadPublicKey(r.Context(), callerID, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "upload_public_key")
	writeOutcome(w, http.StatusOK, "public key stored", nil)
}

func (h *Handler) handleGenerateKeys(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.GenerateKeysRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	keys, err := h.service.GenerateUserKeys(r.Context(), callerID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "generate_keys")
	writeOutcome(w, http.StatusOK, "key pair generated; the private key is not recoverable", keys)
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request, callerID int64) {
	users, err := h.service.ListUsers(r.Context(), callerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "list_users")
	writeOutcome(w, http.StatusOK, "ok", users)
}

func (h *Handler) handleSetUserStatus(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.SetUserStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	if err := h.service.SetUserStatus(r.Context(), callerID, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "set_user_status")
	writeOutcome(w, http.StatusOK, "status updated", nil)
}

func (h *Handler) handleCreateElection(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.CreateElectionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	election, err := h.service.CreateElection(r.Context(), callerID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "create_election")
	logging.AddField(r.Context(), "election_id", election.ID)
	writeOutcome(w, http.StatusCreated, "election created", election)
}

func (h *Handler) handleEditElection(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.EditElectionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	election, err := h.service.EditElection(r.Context(), callerID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "edit_election")
	logging.AddField(r.Context(), "election_id", election.ID)
	writeOutcome(w, http.StatusOK, "election updated", election)
}

func (h *Handler) handleAddVoters(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.AddVotersRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	election, err := h.service.AddVoters(r.Context(), callerID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "add_voters")
	logging.AddField(r.Context(), "election_id", election.ID)
	writeOutcome(w, http.StatusOK, "voters added", election)
}

func (h *Handler) handleListVotable(w http.ResponseWriter, r *http.Request, callerID int64) {
	elections, err := h.service.ListVotableElections(r.Context(), callerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "list_votable_elections")
	writeOutcome(w, http.StatusOK, "ok", elections)
}

func (h *Handler) handleListOwned(w http.ResponseWriter, r *http.Request, callerID int64) {
	elections, err := h.service.ListOwnedElections(r.Context(), callerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "list_owned_elections")
	writeOutcome(w, http.StatusOK, "ok", elections)
}

func (h *Handler) handleListAll(w http.ResponseWriter, r *http.Request, callerID int64) {
	elections, err := h.service.ListAllElections(r.Context(), callerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "list_all_elections")
	writeOutcome(w, http.StatusOK, "ok", elections)
}

func (h *Handler) handleGetElection(w http.ResponseWriter, r *http.Request, callerID int64) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	election, err := h.service.GetElection(r.Context(), callerID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "get_election")
	logging.AddField(r.Context(), "election_id", id)
	writeOutcome(w, http.StatusOK, "ok", election)
}

func (h *Handler) handleElectionKey(w http.ResponseWriter, r *http.Request, callerID int64) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	key, err := h.service.ElectionPublicKey(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "election_public_key")
	logging.AddField(r.Context(), "election_id", id)
	writeOutcome(w, http.StatusOK, "ok", key)
}

func (h *Handler) handleListCandidates(w http.ResponseWriter, r *http.Request, callerID int64) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	candidates, err := h.service.ListCandidates(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "list_candidates")
	logging.AddField(r.Context(), "election_id", id)
	writeOutcome(w, http.StatusOK, "ok", candidates)
}

func (h *Handler) handleSetCandidateStatus(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.SetCandidateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	if err := h.service.SetCandidateStatus(r.Context(), callerID, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "set_candidate_status")
	logging.AddField(r.Context(), "election_id", req.ElectionID)
	writeOutcome(w, http.StatusOK, "candidate status updated", nil)
}

func (h *Handler) handleOpenElection(w http.ResponseWriter, r *http.Request, callerID int64) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	election, err := h.service.OpenElection(r.Context(), callerID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "open_election")
	logging.AddField(r.Context(), "election_id", id)
	writeOutcome(w, http.StatusOK, "election opened", election)
}

func (h *Handler) handleCloseElection(w http.ResponseWriter, r *http.Request, callerID int64) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	if err := h.service.CloseElection(r.Context(), callerID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "close_election")
	logging.AddField(r.Context(), "election_id", id)
	writeOutcome(w, http.StatusOK, "election closed", nil)
}

func (h *Handler) handleDeleteElection(w http.ResponseWriter, r *http.Request, callerID int64) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	if err := h.service.DeleteElection(r.Context(), callerID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "delete_election")
	logging.AddField(r.Context(), "election_id", id)
	writeOutcome(w, http.StatusOK, "election deleted", nil)
}

func (h *Handler) handleCastVote(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.CastVoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	ballot, err := h.service.CastVote(r.Context(), callerID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "cast_vote")
	logging.AddField(r.Context(), "election_id", ballot.ElectionID)
	writeOutcome(w, http.StatusCreated, "ballot recorded", ballot)
}

func (h *Handler) handleVoteProgress(w http.ResponseWriter, r *http.Request, callerID int64) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	progress, err := h.service.VoteProgress(r.Context(), callerID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "vote_progress")
	logging.AddField(r.Context(), "election_id", id)
	writeOutcome(w, http.StatusOK, "ok", progress)
}

func (h *Handler) handlePublishResults(w http.ResponseWriter, r *http.Request, callerID int64) {
	var req protocol.PublishResultsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	summary, err := h.service.PublishResults(r.Context(), callerID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "publish_results")
	logging.AddField(r.Context(), "election_id", req.ElectionID)
	logging.AddField(r.Context(), "counted", summary.Counted)
	logging.AddField(r.Context(), "rejected", summary.Rejected)
	writeOutcome(w, http.StatusOK, "results published", summary)
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request, callerID int64) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	results, err := h.service.Results(r.Context(), callerID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "results")
	logging.AddField(r.Context(), "election_id", id)
	writeOutcome(w, http.StatusOK, "ok", results)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeOutcome(w, appErr.HTTPStatus, appErr.Message, nil)
		return
	}
	logging.AddField(r.Context(), "error_code", "INTERNAL_ERROR")
	logging.AddField(r.Context(), "error_message", err.Error())
	writeOutcome(w, http.StatusInternalServerError, "internal server error", nil)
}

func badRequest(err error) *service.AppError {
	return service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("path id must be a positive integer")
	}
	return id, nil
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, 2<<20)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeOutcome(w http.ResponseWriter, status int, message string, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(protocol.Outcome{
		Verified: status < 400,
		Message:  message,
		Payload:  payload,
	})
}
