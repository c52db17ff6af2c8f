package fakebackend

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog/log"
)

// Handler serves the backend over the same JSON routes the rest client calls.
func Handler(f *FakeBackend) http.Handler {
	r := chi.NewRouter()
	r.Use(logRequests, middleware.Recoverer)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Email    string `json:"email"`
				Password string `json:"password"`
			}
			if !decode(w, r, &req) {
				return
			}
			resp, err := f.Login(r.Context(), req.Email, req.Password)
			respond(w, resp, err)
		})
		r.Post("/register", func(w http.ResponseWriter, r *http.Request) {
			var req authmodel.RegisterRequest
			if !decode(w, r, &req) {
				return
			}
			resp, err := f.Register(r.Context(), req)
			respond(w, resp, err)
		})
		r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				RefreshToken string `json:"refreshToken"`
			}
			if !decode(w, r, &req) {
				return
			}
			resp, err := f.RefreshToken(r.Context(), req.RefreshToken)
			respond(w, resp, err)
		})
		r.Post("/otp/send", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Phone string `json:"phone"`
			}
			if !decode(w, r, &req) {
				return
			}
			respond(w, nil, f.SendOTP(r.Context(), req.Phone))
		})
		r.Post("/otp/verify", func(w http.ResponseWriter, r *http.Request) {
			var req authmodel.OTPVerification
			if !decode(w, r, &req) {
				return
			}
			resp, err := f.VerifyOTP(r.Context(), req)
			respond(w, resp, err)
		})
		r.With(bearer).Post("/logout", func(w http.ResponseWriter, r *http.Request) {
			respond(w, nil, f.Logout(r.Context()))
		})
	})

	r.Route("/users/me", func(r chi.Router) {
		r.Use(bearer)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			user, err := f.GetProfile(r.Context())
			respond(w, user, err)
		})
		r.Patch("/", func(w http.ResponseWriter, r *http.Request) {
			var patch users.Patch
			if !decode(w, r, &patch) {
				return
			}
			user, err := f.UpdateProfile(r.Context(), patch)
			respond(w, user, err)
		})
		r.Post("/password", func(w http.ResponseWriter, r *http.Request) {
			var req authmodel.ChangePasswordRequest
			if !decode(w, r, &req) {
				return
			}
			respond(w, nil, f.ChangePassword(r.Context(), req))
		})
	})

	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("fake backend request")
	})
}

// bearer moves the Authorization header into the request context.
func bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, authmodel.KindInvalidCredentials, "missing bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithBearer(r.Context(), token)))
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, authmodel.KindValidationFailed, "malformed JSON body")
		return false
	}
	return true
}

func respond(w http.ResponseWriter, body any, err error) {
	if err != nil {
		var authErr *authmodel.AuthError
		switch {
		case errors.As(err, &authErr):
			writeError(w, statusFor(authErr.Kind), authErr.Kind, authErr.Message)
		case errors.Is(err, errors.ErrNotAuthenticated):
			writeError(w, http.StatusUnauthorized, authmodel.KindInvalidCredentials, "")
		default:
			log.Err(err).Msg("fake backend request failed")
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	if body == nil || isNilPointer(body) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Err(err).Msg("encoding fake backend response failed")
	}
}

func isNilPointer(v any) bool {
	switch p := v.(type) {
	case *authmodel.TokenResponse:
		return p == nil
	case *users.User:
		return p == nil
	}
	return false
}

func statusFor(kind authmodel.AuthErrorKind) int {
	switch kind {
	case authmodel.KindInvalidCredentials:
		return http.StatusUnauthorized
	case authmodel.KindDuplicateAccount:
		return http.StatusConflict
	case authmodel.KindOtpExpired:
		return http.StatusGone
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeError(w http.ResponseWriter, status int, kind authmodel.AuthErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(kind), "message": message})
}

