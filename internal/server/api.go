// Package server implements the administrative HTTP surface: account
// management, chat-history queries, and the health endpoint.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/chatrelay/internal/logger"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// apiResponse is the JSON envelope every /api endpoint returns.
type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	User    any    `json:"user,omitempty"`
	Users   any    `json:"users,omitempty"`
	Token   string `json:"token,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("response encode failed", "err", err)
	}
}

func apiError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Message: message})
}

// decodeBody reads a JSON request body into v, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		apiError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// bearerToken extracts the remember token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// authenticate resolves the request's bearer token to a user, answering 401
// when it cannot.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) *store.User {
	token := bearerToken(r)
	if token == "" {
		apiError(w, http.StatusUnauthorized, "missing bearer token")
		return nil
	}
	user, err := s.users.ResolveToken(token)
	if err != nil {
		apiError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil
	}
	return user
}

// notePersistFailure logs a failed flat-file write. The in-memory mutation
// stands; the next successful save repairs the file.
func notePersistFailure(op string, err error) {
	persistenceErrors.Inc()
	logger.Error("persist failed", "op", op, "err", err)
}

// RegisterHandler creates an account.
// POST /api/register {username, password, displayName?}
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.users.Register(req.Username, req.Password, req.DisplayName)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			apiError(w, http.StatusConflict, "user already registered")
			return
		}
		if user == nil {
			apiError(w, http.StatusBadRequest, err.Error())
			return
		}
		notePersistFailure("register", err)
	}
	writeJSON(w, http.StatusCreated, apiResponse{Success: true, Message: "registered", User: user.Public()})
}

// LoginHandler verifies credentials and issues a remember token the client
// can use for both API calls and the WebSocket user_join frame.
// POST /api/login {username, password}
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		apiError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	tok, err := s.users.IssueToken(user.ID, s.cfg.TokenTTL)
	if err != nil {
		if tok.Token == "" {
			apiError(w, http.StatusInternalServerError, "token issue failed")
			return
		}
		notePersistFailure("login", err)
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "logged in", Token: tok.Token, User: user.Public()})
}

// LogoutHandler revokes the presented remember token.
// POST /api/logout
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		apiError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if err := s.users.RevokeToken(token); err != nil {
		notePersistFailure("logout", err)
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "logged out"})
}

// UpdateProfileHandler mutates the authenticated user's profile.
// PUT /api/update-profile {displayName?, profilePicture?, password?}
func (s *Server) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	user := s.authenticate(w, r)
	if user == nil {
		return
	}
	var req struct {
		DisplayName    *string `json:"displayName"`
		ProfilePicture *string `json:"profilePicture"`
		Password       *string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	updated, err := s.users.UpdateProfile(user.ID, store.ProfileUpdate{
		DisplayName:    req.DisplayName,
		ProfilePicture: req.ProfilePicture,
		Password:       req.Password,
	})
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			apiError(w, http.StatusNotFound, "user not found")
			return
		}
		if updated == nil {
			apiError(w, http.StatusBadRequest, err.Error())
			return
		}
		notePersistFailure("update-profile", err)
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "profile updated", User: updated.Public()})
}

// DeleteAccountHandler removes the authenticated account and force-closes
// every live connection it owns.
// DELETE /api/delete-account
func (s *Server) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	user := s.authenticate(w, r)
	if user == nil {
		return
	}
	removed, err := s.users.Delete(user.ID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			apiError(w, http.StatusNotFound, "user not found")
			return
		}
		notePersistFailure("delete-account", err)
	}
	s.hub.CloseUser(removed.ID)
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "account deleted"})
}

// RegisteredUsersHandler lists every registered account.
// GET /api/registered-users
func (s *Server) RegisteredUsersHandler(w http.ResponseWriter, r *http.Request) {
	if s.authenticate(w, r) == nil {
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Users: s.users.List()})
}

// ChatHistoryHandler pages through the authenticated user's visible history.
// GET /api/chat-history?offset&limit&recipientId
func (s *Server) ChatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	user := s.authenticate(w, r)
	if user == nil {
		return
	}

	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	messages := s.messages.HistorySlice(store.HistoryFilter{
		ViewerID: user.ID,
		WithUser: q.Get("recipientId"),
		Offset:   offset,
		Limit:    limit,
	})
	writeJSON(w, http.StatusOK, struct {
		Success  bool            `json:"success"`
		Messages []store.Message `json:"messages"`
	}{Success: true, Messages: messages})
}

// HealthHandler reports process liveness and the online-user count.
// GET /health
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status      string    `json:"status"`
		UsersOnline int       `json:"usersOnline"`
		Timestamp   time.Time `json:"timestamp"`
	}{Status: "OK", UsersOnline: s.hub.OnlineCount(), Timestamp: time.Now().UTC()})
}
