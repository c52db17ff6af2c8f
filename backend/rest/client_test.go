package rest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/backend/rest"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var testUser = users.User{ID: "user-1", Name: "Ada", Email: "ada@example.com", Role: users.RoleConsumer}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func readJSON(t *testing.T, r *http.Request, v any) {
	t.Helper()
	require.Equal(t, "application/json", r.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(r.Body).Decode(v))
}

func newServer(t *testing.T, routes func(r chi.Router)) *rest.Client {
	t.Helper()
	router := chi.NewRouter()
	routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return rest.New(srv.URL+"/", rest.WithLogger(zerolog.Nop()))
}

func tokenBody(refresh *string) authmodel.TokenResponse {
	return authmodel.TokenResponse{Token: "access-1", RefreshToken: refresh, User: testUser, ExpiresIn: 3600}
}

func TestClient_Login(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
			require.Empty(t, r.Header.Get("Authorization"))
			var body map[string]string
			readJSON(t, r, &body)
			require.Equal(t, map[string]string{"email": "ada@example.com", "password": "Secret123"}, body)
			writeJSON(t, w, http.StatusOK, tokenBody(utils.Ptr("refresh-1")))
		})
	})

	resp, err := client.Login(context.Background(), "ada@example.com", "Secret123")
	require.NoError(t, err)
	require.Equal(t, "access-1", resp.Token)
	require.Equal(t, "refresh-1", utils.Value(resp.RefreshToken))
	require.Equal(t, testUser, resp.User)
	require.Equal(t, 3600, resp.ExpiresIn)
}

func TestClient_RefreshWithoutRotation(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Post("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			readJSON(t, r, &body)
			require.Equal(t, "refresh-1", body["refreshToken"])
			writeJSON(t, w, http.StatusOK, tokenBody(nil))
		})
	})

	resp, err := client.RefreshToken(context.Background(), "refresh-1")
	require.NoError(t, err)
	require.Nil(t, resp.RefreshToken)
}

func TestClient_OTP(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Post("/auth/otp/send", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/auth/otp/verify", func(w http.ResponseWriter, r *http.Request) {
			var req authmodel.OTPVerification
			readJSON(t, r, &req)
			if req.OTP == "999999" {
				w.WriteHeader(http.StatusGone)
				return
			}
			writeJSON(t, w, http.StatusOK, tokenBody(nil))
		})
	})
	ctx := context.Background()

	require.NoError(t, client.SendOTP(ctx, "+15550100"))

	_, err := client.VerifyOTP(ctx, authmodel.OTPVerification{Phone: "+15550100", OTP: "999999"})
	require.ErrorIs(t, err, authmodel.ErrOtpExpired)

	resp, err := client.VerifyOTP(ctx, authmodel.OTPVerification{Phone: "+15550100", OTP: "123456", Name: "Ada"})
	require.NoError(t, err)
	require.Equal(t, "access-1", resp.Token)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := map[string]struct {
		status int
		body   string
		want   error
	}{
		"code in body wins":    {status: http.StatusBadRequest, body: `{"error":"duplicate_account","message":"email taken"}`, want: authmodel.ErrDuplicateAccount},
		"unauthorized":         {status: http.StatusUnauthorized, want: authmodel.ErrInvalidCredentials},
		"bad request":          {status: http.StatusBadRequest, body: `{"message":"password too short"}`, want: authmodel.ErrValidationFailed},
		"unprocessable":        {status: http.StatusUnprocessableEntity, want: authmodel.ErrValidationFailed},
		"conflict":             {status: http.StatusConflict, want: authmodel.ErrDuplicateAccount},
		"gone outside otp":     {status: http.StatusGone, want: errors.ErrBackend},
		"server error":         {status: http.StatusInternalServerError, body: "oops", want: errors.ErrBackend},
		"unknown code in body": {status: http.StatusForbidden, body: `{"error":"locked"}`, want: errors.ErrBackend},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			client := newServer(t, func(r chi.Router) {
				r.Post("/auth/register", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(tt.body))
				})
			})

			_, err := client.Register(context.Background(), authmodel.RegisterRequest{Email: "ada@example.com"})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_MessageIsKept(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, http.StatusUnauthorized, map[string]string{"error": "invalid_credentials", "message": "wrong password"})
		})
	})

	_, err := client.Login(context.Background(), "ada@example.com", "nope")
	var authErr *authmodel.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, authmodel.KindInvalidCredentials, authErr.Kind)
	require.Equal(t, "wrong password", authErr.Message)
}

func TestClient_AuthorizedCallsCarryBearer(t *testing.T) {
	var (
		lock sync.Mutex
		seen []string
	)
	client := newServer(t, func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					lock.Lock()
					seen = append(seen, r.Header.Get("Authorization"))
					lock.Unlock()
					next.ServeHTTP(w, r)
				})
			})
			r.Post("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
			r.Get("/users/me", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, http.StatusOK, testUser)
			})
			r.Patch("/users/me", func(w http.ResponseWriter, r *http.Request) {
				var patch users.Patch
				readJSON(t, r, &patch)
				writeJSON(t, w, http.StatusOK, patch.Apply(testUser))
			})
			r.Post("/users/me/password", func(w http.ResponseWriter, r *http.Request) {
				var req authmodel.ChangePasswordRequest
				readJSON(t, r, &req)
				require.Equal(t, "Secret456", req.NewPassword)
				w.WriteHeader(http.StatusNoContent)
			})
		})
	})
	ctx := context.Background()

	// No source yet: the call fails before reaching the server.
	err := client.Logout(ctx)
	require.ErrorIs(t, err, errors.ErrNotAuthenticated)
	require.Empty(t, seen)

	client.SetTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access-1", TokenType: "Bearer"}))

	require.NoError(t, client.Logout(ctx))
	user, err := client.GetProfile(ctx)
	require.NoError(t, err)
	require.Equal(t, testUser, *user)
	user, err = client.UpdateProfile(ctx, users.Patch{About: utils.Ptr("Pianist")})
	require.NoError(t, err)
	require.Equal(t, "Pianist", user.About)
	require.NoError(t, client.ChangePassword(ctx, authmodel.ChangePasswordRequest{CurrentPassword: "Secret123", NewPassword: "Secret456"}))

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []string{"Bearer access-1", "Bearer access-1", "Bearer access-1", "Bearer access-1"}, seen)
}

func TestClient_MalformedSuccessBody(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		})
	})

	_, err := client.Login(context.Background(), "ada@example.com", "Secret123")
	require.ErrorIs(t, err, errors.ErrUnexpected)
}
