package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/pairchat/pkg/database"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

type contextKey string

const claimsKey contextKey = "claims"

// maxBodyBytes caps JSON request bodies
const maxBodyBytes = 64 * 1024

type signupRequest struct {
	FirstName string `json:"firstName" validate:"required,max=64"`
	LastName  string `json:"lastName" validate:"required,max=64"`
	Contact   string `json:"contact" validate:"required,max=254"`
	Password  string `json:"password" validate:"required,max=72"`
}

type loginRequest struct {
	Contact  string `json:"contact" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type addContactRequest struct {
	ContactID int64 `json:"contactId" validate:"required,gt=0"`
}

type userResponse struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Contact   string `json:"contact"`
}

// listedUser keeps the column names the user listing has always returned
type listedUser struct {
	ID                int64  `json:"id"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	ContactIdentifier string `json:"contact_identifier"`
	CreatedAt         string `json:"created_at"`
}

type contactResponse struct {
	userResponse
	Username string `json:"username"`
	AddedAt  string `json:"addedAt"`
}

// API serves the directory over HTTP
type API struct {
	dir      *Directory
	tokens   *Tokens
	validate *validator.Validate
}

// NewAPI creates the HTTP front of a directory
func NewAPI(dir *Directory, tokens *Tokens) *API {
	return &API{
		dir:      dir,
		tokens:   tokens,
		validate: validator.New(),
	}
}

// Routes returns the /api router
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/signup", a.handleSignup)
	r.Post("/login", a.handleLogin)
	r.Get("/users", a.handleListUsers)

	r.Group(func(r chi.Router) {
		r.Use(a.requireToken)
		r.Get("/contacts", a.handleListContacts)
		r.Post("/contacts", a.handleAddContact)
		r.Delete("/contacts/{id}", a.handleRemoveContact)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("directory: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Contact = strings.TrimSpace(req.Contact)

	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "All fields are required")
		return
	}

	id, err := a.dir.Signup(r.Context(), req.FirstName, req.LastName, req.Contact, req.Password)
	if errors.Is(err, database.ErrContactTaken) {
		writeError(w, http.StatusConflict, "Email or mobile number already registered")
		return
	}
	if err != nil {
		log.Printf("directory: signup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User registered successfully",
		"userId":  id,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Contact and password required")
		return
	}

	token, user, err := a.dir.Login(r.Context(), req.Contact, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		log.Printf("directory: login failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  toUserResponse(user),
	})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.dir.Users(r.Context())
	if err != nil {
		log.Printf("directory: list users failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(users, func(u *database.User, _ int) listedUser {
		return listedUser{
			ID:                u.ID,
			FirstName:         u.FirstName,
			LastName:          u.LastName,
			ContactIdentifier: u.ContactIdentifier,
			CreatedAt:         u.CreatedAt.Format(time.RFC3339),
		}
	}))
}

func (a *API) handleListContacts(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	contacts, err := a.dir.Contacts(r.Context(), claims.UserID)
	if err != nil {
		log.Printf("directory: list contacts failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(contacts, func(c *database.Contact, _ int) contactResponse {
		return contactResponse{
			userResponse: toUserResponse(&c.User),
			Username:     c.User.Username(),
			AddedAt:      c.AddedAt.Format(time.RFC3339),
		}
	}))
}

func (a *API) handleAddContact(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req addContactRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "contactId is required")
		return
	}

	err := a.dir.AddContact(r.Context(), claims.UserID, req.ContactID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{"message": "Contact added"})
	case errors.Is(err, database.ErrSelfContact):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, database.ErrAlreadyContact):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("directory: add contact failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
	}
}

func (a *API) handleRemoveContact(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid contact id")
		return
	}

	err = a.dir.RemoveContact(r.Context(), claims.UserID, id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, database.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "Contact not found")
	default:
		log.Printf("directory: remove contact failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
	}
}

// requireToken rejects requests without a valid Bearer token
func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Missing authorization token")
			return
		}

		claims, err := a.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func claimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

func toUserResponse(u *database.User) userResponse {
	return userResponse{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Contact:   u.ContactIdentifier,
	}
}
