package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/resellerhub/backend/internal/apperr"
)

var (
	ErrDuplicateAccount   = apperr.New(apperr.Conflict, "email or username already registered")
	ErrInvalidCredentials = apperr.New(apperr.Unauthorized, "invalid credentials")
	ErrInvalidToken       = apperr.New(apperr.Unauthorized, "invalid token")
	ErrInvalidCode        = apperr.New(apperr.Unauthorized, "invalid verification code")
	ErrTOTPNotEnrolled    = apperr.New(apperr.Invalid, "two-factor authentication is not enrolled")
)

const (
	audienceSession = "session"
	audienceMFA     = "mfa"
	minPasswordLen  = 8
)

// Account is what Register returns.
type Account struct {
	ID       uuid.UUID
	Email    string
	Username string
}

// LoginResult carries either a session token or, when TOTP is enabled, a
// short-lived challenge token to be exchanged via VerifyMFA.
type LoginResult struct {
	UserID         uuid.UUID
	Token          string
	ExpiresAt      time.Time
	MFARequired    bool
	ChallengeToken string
}

type TOTPEnrollment struct {
	Secret string
	URL    string
}

// Store is the persistence Service needs.
type Store interface {
	Create(ctx context.Context, id uuid.UUID, email, passwordHash, username string) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	SessionEpoch(ctx context.Context, id uuid.UUID) (int, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetTOTPSecret(ctx context.Context, id uuid.UUID, secret string) error
	SetTOTPEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

type Service interface {
	Register(ctx context.Context, email, password, username string) (*Account, error)
	Login(ctx context.Context, email, password string) (*LoginResult, error)
	VerifyMFA(ctx context.Context, challengeToken, code string) (*LoginResult, error)
	EnrollTOTP(ctx context.Context, userID uuid.UUID) (*TOTPEnrollment, error)
	ActivateTOTP(ctx context.Context, userID uuid.UUID, code string) error
	DisableTOTP(ctx context.Context, userID uuid.UUID, code string) error
	ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error
	ValidateToken(ctx context.Context, token string) (uuid.UUID, int, error)
}

// Options configures token lifetimes and side effects.
type Options struct {
	Secret       string
	SessionTTL   time.Duration
	ChallengeTTL time.Duration
	TOTPIssuer   string
	// OnLogin runs after a session token is issued.
	OnLogin    func(ctx context.Context, userID uuid.UUID)
	BcryptCost int
}

type service struct {
	store Store
	opts  Options
}

func NewService(store Store, opts Options) *service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}
	if opts.TOTPIssuer == "" {
		opts.TOTPIssuer = "ResellerHub"
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &service{store: store, opts: opts}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

var now = time.Now

type claims struct {
	jwt.RegisteredClaims
	Epoch int `json:"epoch"`
}

func (s *service) Register(ctx context.Context, email, password, username string) (*Account, error) {
	email = strings.TrimSpace(email)
	username = strings.TrimSpace(username)
	if !strings.Contains(email, "@") || username == "" {
		return nil, apperr.New(apperr.Invalid, "email and username are required")
	}
	if len(password) < minPasswordLen {
		return nil, apperr.New(apperr.Invalid, fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	if err := s.store.Create(ctx, id, email, string(hash), username); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateAccount
		}
		return nil, err
	}
	return &Account{ID: id, Email: email, Username: username}, nil
}

func (s *service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	u, err := s.store.GetByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if u.TOTPEnabled {
		challenge, err := s.sign(u.ID, audienceMFA, 0, now().Add(s.opts.ChallengeTTL))
		if err != nil {
			return nil, err
		}
		return &LoginResult{UserID: u.ID, MFARequired: true, ChallengeToken: challenge}, nil
	}
	return s.startSession(ctx, u.ID)
}

func (s *service) VerifyMFA(ctx context.Context, challengeToken, code string) (*LoginResult, error) {
	c, err := s.parse(challengeToken, audienceMFA)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.TOTPEnabled || u.TOTPSecret == nil || !totp.Validate(code, *u.TOTPSecret) {
		return nil, ErrInvalidCode
	}
	return s.startSession(ctx, u.ID)
}

func (s *service) startSession(ctx context.Context, userID uuid.UUID) (*LoginResult, error) {
	epoch, err := s.store.SessionEpoch(ctx, userID)
	if err != nil {
		return nil, err
	}
	exp := now().Add(s.opts.SessionTTL)
	token, err := s.sign(userID, audienceSession, epoch, exp)
	if err != nil {
		return nil, err
	}
	if s.opts.OnLogin != nil {
		s.opts.OnLogin(ctx, userID)
	}
	return &LoginResult{UserID: userID, Token: token, ExpiresAt: exp}, nil
}

func (s *service) EnrollTOTP(ctx context.Context, userID uuid.UUID) (*TOTPEnrollment, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.opts.TOTPIssuer, AccountName: u.Email})
	if err != nil {
		return nil, fmt.Errorf("generate totp: %w", err)
	}
	if err := s.store.SetTOTPSecret(ctx, userID, key.Secret()); err != nil {
		return nil, err
	}
	return &TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

func (s *service) ActivateTOTP(ctx context.Context, userID uuid.UUID, code string) error {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.TOTPSecret == nil {
		return ErrTOTPNotEnrolled
	}
	if !totp.Validate(code, *u.TOTPSecret) {
		return ErrInvalidCode
	}
	return s.store.SetTOTPEnabled(ctx, userID, true)
}

func (s *service) DisableTOTP(ctx context.Context, userID uuid.UUID, code string) error {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.TOTPEnabled || u.TOTPSecret == nil {
		return ErrTOTPNotEnrolled
	}
	if !totp.Validate(code, *u.TOTPSecret) {
		return ErrInvalidCode
	}
	return s.store.SetTOTPEnabled(ctx, userID, false)
}

func (s *service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	if len(next) < minPasswordLen {
		return apperr.New(apperr.Invalid, fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.opts.BcryptCost)
	if err != nil {
		return err
	}
	return s.store.UpdatePassword(ctx, userID, string(hash))
}

func (s *service) sign(userID uuid.UUID, audience string, epoch int, exp time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now()),
		},
		Epoch: epoch,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.opts.Secret))
}

func (s *service) parse(token, audience string) (*claims, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.opts.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithAudience(audience), jwt.WithTimeFunc(now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return c, nil
}

// ValidateToken returns the user id and session epoch of a session token.
// Challenge tokens are rejected by audience.
func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, int, error) {
	c, err := s.parse(token, audienceSession)
	if err != nil {
		return uuid.Nil, 0, err
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, 0, ErrInvalidToken
	}
	return id, c.Epoch, nil
}
