package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/ratelimit"
)

// Request/response structs use snake_case JSON.

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type MFAVerifyRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
}

type TOTPCodeRequest struct {
	Code string `json:"code"`
}

type AccountResponse struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Username       string `json:"username"`
	ApprovalStatus string `json:"approval_status"`
}

type LoginResponse struct {
	Token          string `json:"token,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	MFARequired    bool   `json:"mfa_required"`
	ChallengeToken string `json:"challenge_token,omitempty"`
}

type Handler struct {
	svc     Service
	limiter ratelimit.Limiter
	log     *slog.Logger
}

// NewHandler wires the auth endpoints. limiter may be nil to disable login
// throttling.
func NewHandler(svc Service, limiter ratelimit.Limiter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, limiter: limiter, log: log}
}

// Register handles POST /api/v1/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, apperr.New(apperr.Invalid, "invalid JSON"))
		return
	}
	if req.Email == "" || req.Password == "" || req.Username == "" {
		apperr.Write(w, apperr.New(apperr.Invalid, "missing required fields"))
		return
	}
	acc, err := h.svc.Register(r.Context(), req.Email, req.Password, req.Username)
	if err != nil {
		h.logIfInternal("register failed", err)
		apperr.Write(w, err)
		return
	}
	h.log.Info("account registered", "user_id", acc.ID)
	writeJSON(w, http.StatusCreated, AccountResponse{
		ID:             acc.ID.String(),
		Email:          acc.Email,
		Username:       acc.Username,
		ApprovalStatus: "pending",
	})
}

// Login handles POST /api/v1/auth/login. Attempts are limited per client IP
// and email.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, apperr.New(apperr.Invalid, "invalid JSON"))
		return
	}
	if req.Email == "" || req.Password == "" {
		apperr.Write(w, apperr.New(apperr.Invalid, "missing email or password"))
		return
	}
	if !h.allow(w, r, "login:"+middleware.ByIP(r)+":"+strings.ToLower(strings.TrimSpace(req.Email))) {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logIfInternal("login failed", err)
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(res))
}

// VerifyMFA handles POST /api/v1/auth/mfa/verify.
func (h *Handler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req MFAVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeToken == "" || req.Code == "" {
		apperr.Write(w, apperr.New(apperr.Invalid, "challenge_token and code are required"))
		return
	}
	if !h.allow(w, r, "mfa:"+middleware.ByIP(r)) {
		return
	}
	res, err := h.svc.VerifyMFA(r.Context(), req.ChallengeToken, req.Code)
	if err != nil {
		h.logIfInternal("mfa verify failed", err)
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(res))
}

// EnrollTOTP handles POST /api/v1/auth/totp/enroll.
func (h *Handler) EnrollTOTP(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "unauthorized"))
		return
	}
	enr, err := h.svc.EnrollTOTP(r.Context(), p.ID)
	if err != nil {
		h.logIfInternal("totp enroll failed", err)
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": enr.Secret, "otpauth_url": enr.URL})
}

// ActivateTOTP handles POST /api/v1/auth/totp/activate.
func (h *Handler) ActivateTOTP(w http.ResponseWriter, r *http.Request) {
	h.totpCode(w, r, h.svc.ActivateTOTP, "enabled")
}

// DisableTOTP handles POST /api/v1/auth/totp/disable.
func (h *Handler) DisableTOTP(w http.ResponseWriter, r *http.Request) {
	h.totpCode(w, r, h.svc.DisableTOTP, "disabled")
}

func (h *Handler) totpCode(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID uuid.UUID, code string) error, state string) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "unauthorized"))
		return
	}
	var req TOTPCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		apperr.Write(w, apperr.New(apperr.Invalid, "code is required"))
		return
	}
	if err := fn(r.Context(), p.ID, req.Code); err != nil {
		h.logIfInternal("totp update failed", err)
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"totp": state})
}

// allow applies the login limiter. Limiter failures let the request through.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if h.limiter == nil {
		return true
	}
	ok, retry, err := h.limiter.Allow(r.Context(), key, time.Now())
	if err != nil {
		h.log.Warn("login limiter unavailable", "error", err)
		return true
	}
	if !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		apperr.Write(w, apperr.New(apperr.RateLimited, "too many attempts, try again later"))
		return false
	}
	return true
}

func (h *Handler) logIfInternal(msg string, err error) {
	if apperr.KindOf(err) == apperr.Internal {
		h.log.Error(msg, "error", err)
	}
}

func loginResponse(res *LoginResult) LoginResponse {
	if res.MFARequired {
		return LoginResponse{MFARequired: true, ChallengeToken: res.ChallengeToken}
	}
	return LoginResponse{Token: res.Token, ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
