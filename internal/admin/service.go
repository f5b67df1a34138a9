// Package admin implements the staff controls: account approval, bans,
// credits, roles, forced sign-out, request handling and messaging.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/feed"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/repository"
)

const defaultBanMessage = "You have been banned."

var (
	ErrUserNotFound       = apperr.New(apperr.NotFound, "user not found")
	ErrRequestNotFound    = apperr.New(apperr.NotFound, "request not found or already handled")
	ErrInvalidBanDuration = apperr.New(apperr.Invalid, "duration must be one of 1day, 1week, 1month, 1year")
	ErrOwnerImmutable     = apperr.New(apperr.Forbidden, "owner accounts cannot be changed")
	ErrInvalidStatus      = apperr.New(apperr.Invalid, "invalid status")
)

// BanDurations maps the accepted ban lengths to their window.
var BanDurations = map[string]time.Duration{
	"1day":   24 * time.Hour,
	"1week":  7 * 24 * time.Hour,
	"1month": 30 * 24 * time.Hour,
	"1year":  365 * 24 * time.Hour,
}

var now = time.Now

type ProfileStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	ListByStatus(ctx context.Context, status string) ([]*models.Profile, error)
	SetApproval(ctx context.Context, id uuid.UUID, status string) error
	SetBan(ctx context.Context, id uuid.UUID, until *time.Time, message *string) error
	BumpSessionEpoch(ctx context.Context, id uuid.UUID) (int, error)
	AddRole(ctx context.Context, id uuid.UUID, role string) error
	RemoveRole(ctx context.Context, id uuid.UUID, role string) error
}

type CreditSetter interface {
	Set(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, note string) (int, error)
}

type RequestStore interface {
	ListByStatus(ctx context.Context, status string) ([]*models.UserRequest, error)
	ResolveTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, response string) (*models.UserRequest, error)
}

type MessageStore interface {
	CreatePrivate(ctx context.Context, m *models.PrivateMessage) error
	CreatePrivateTx(ctx context.Context, tx pgx.Tx, m *models.PrivateMessage) error
	CreateSupport(ctx context.Context, m *models.SupportMessage) error
	ListSupport(ctx context.Context, userID uuid.UUID, limit int) ([]*models.SupportMessage, error)
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Auditor interface {
	Record(ctx context.Context, userID uuid.UUID, actionType string, keyCode *string, details any) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev feed.Event) error
}

type Deps struct {
	Pool       TxBeginner
	Profiles   ProfileStore
	Credits    CreditSetter
	Requests   RequestStore
	Messages   MessageStore
	Audit      Auditor
	Events     EventPublisher
	SenderName string
	Logger     *slog.Logger
}

type Service struct {
	d   Deps
	log *slog.Logger
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.SenderName == "" {
		d.SenderName = "Support"
	}
	return &Service{d: d, log: d.Logger}
}

// Attachment is optional media on a staff message.
type Attachment struct {
	ImageURL *string
	VideoURL *string
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Service) ListUsers(ctx context.Context, status string) ([]*models.Profile, error) {
	switch status {
	case "", models.ApprovalPending, models.ApprovalApproved, models.ApprovalRejected:
	default:
		return nil, ErrInvalidStatus
	}
	return s.d.Profiles.ListByStatus(ctx, status)
}

// SetApproval moves an account to approved or rejected.
func (s *Service) SetApproval(ctx context.Context, staff, userID uuid.UUID, status string) error {
	if status != models.ApprovalApproved && status != models.ApprovalRejected {
		return ErrInvalidStatus
	}
	target, err := s.target(ctx, userID)
	if err != nil {
		return err
	}
	if target.HasRole(models.RoleOwner) {
		return ErrOwnerImmutable
	}
	if err := s.d.Profiles.SetApproval(ctx, userID, status); err != nil {
		return s.notFound(err)
	}
	s.after(ctx, staff, "admin_user_"+status, userID, "profiles", nil)
	return nil
}

// ForceLogout invalidates every session of the user.
func (s *Service) ForceLogout(ctx context.Context, staff, userID uuid.UUID) error {
	target, err := s.target(ctx, userID)
	if err != nil {
		return err
	}
	if target.HasRole(models.RoleOwner) {
		return ErrOwnerImmutable
	}
	epoch, err := s.d.Profiles.BumpSessionEpoch(ctx, userID)
	if err != nil {
		return s.notFound(err)
	}
	s.after(ctx, staff, "admin_force_logout", userID, "profiles", map[string]int{"session_epoch": epoch})
	return nil
}

// SetCredits overwrites the balance. Zero clears it.
func (s *Service) SetCredits(ctx context.Context, owner, userID uuid.UUID, amount int) (int, error) {
	if amount < 0 {
		return 0, apperr.New(apperr.Invalid, "credits cannot be negative")
	}
	tx, err := s.d.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := s.d.Credits.Set(ctx, tx, userID, amount, "set by "+owner.String())
	if err != nil {
		return 0, s.notFound(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.after(ctx, owner, "admin_credits_set", userID, "profiles", map[string]int{"credits": balance})
	return balance, nil
}

// Ban opens a ban window of the named duration starting now.
func (s *Service) Ban(ctx context.Context, owner, userID uuid.UUID, duration, message string) (time.Time, error) {
	d, ok := BanDurations[duration]
	if !ok {
		return time.Time{}, ErrInvalidBanDuration
	}
	target, err := s.target(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	if target.HasRole(models.RoleOwner) {
		return time.Time{}, ErrOwnerImmutable
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = defaultBanMessage
	}
	until := now().Add(d)
	if err := s.d.Profiles.SetBan(ctx, userID, &until, &message); err != nil {
		return time.Time{}, s.notFound(err)
	}
	s.after(ctx, owner, "admin_user_banned", userID, "profiles", map[string]any{"duration": duration, "ban_until": until})
	return until, nil
}

func (s *Service) Unban(ctx context.Context, owner, userID uuid.UUID) error {
	if err := s.d.Profiles.SetBan(ctx, userID, nil, nil); err != nil {
		return s.notFound(err)
	}
	s.after(ctx, owner, "admin_user_unbanned", userID, "profiles", nil)
	return nil
}

// SetAdmin grants or revokes the admin role. Owners are untouched.
func (s *Service) SetAdmin(ctx context.Context, owner, userID uuid.UUID, grant bool) error {
	target, err := s.target(ctx, userID)
	if err != nil {
		return err
	}
	if target.HasRole(models.RoleOwner) {
		return ErrOwnerImmutable
	}
	action := "admin_role_granted"
	if grant {
		err = s.d.Profiles.AddRole(ctx, userID, models.RoleAdmin)
	} else {
		action = "admin_role_revoked"
		err = s.d.Profiles.RemoveRole(ctx, userID, models.RoleAdmin)
	}
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	s.after(ctx, owner, action, userID, "user_roles", nil)
	return nil
}

// ---------------------------------------------------------------------------
// Requests & messaging
// ---------------------------------------------------------------------------

func (s *Service) ListRequests(ctx context.Context, status string) ([]*models.UserRequest, error) {
	switch status {
	case "", models.RequestStatusPending, models.RequestStatusCompleted, models.RequestStatusRejected:
	default:
		return nil, ErrInvalidStatus
	}
	return s.d.Requests.ListByStatus(ctx, status)
}

// RespondToRequest closes a pending request and sends the response to the
// requester's private inbox.
func (s *Service) RespondToRequest(ctx context.Context, staff, requestID uuid.UUID, status, message string, att Attachment) (*models.UserRequest, error) {
	if status == "" {
		status = models.RequestStatusCompleted
	}
	if status != models.RequestStatusCompleted && status != models.RequestStatusRejected {
		return nil, ErrInvalidStatus
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, apperr.New(apperr.Invalid, "message is required")
	}
	tx, err := s.d.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q, err := s.d.Requests.ResolveTx(ctx, tx, requestID, status, message)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve request: %w", err)
	}
	m, err := s.newPrivate(staff, q.UserID, message, att)
	if err != nil {
		return nil, err
	}
	if err := s.d.Messages.CreatePrivateTx(ctx, tx, m); err != nil {
		return nil, fmt.Errorf("insert private message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.publish(ctx, feed.Event{Table: "private_messages", Op: feed.OpInsert, ID: m.ID.String(), UserID: q.UserID})
	s.after(ctx, staff, "admin_request_"+status, q.UserID, "user_requests", map[string]string{"request_id": q.ID.String()})
	return q, nil
}

// SendPrivate delivers a message from staff to one user's inbox.
func (s *Service) SendPrivate(ctx context.Context, staff, userID uuid.UUID, message string, att Attachment) (*models.PrivateMessage, error) {
	if _, err := s.target(ctx, userID); err != nil {
		return nil, err
	}
	m, err := s.sendPrivate(ctx, staff, userID, message, att)
	if err != nil {
		return nil, err
	}
	s.after(ctx, staff, "admin_private_message", userID, "", nil)
	return m, nil
}

func (s *Service) sendPrivate(ctx context.Context, staff, userID uuid.UUID, message string, att Attachment) (*models.PrivateMessage, error) {
	m, err := s.newPrivate(staff, userID, message, att)
	if err != nil {
		return nil, err
	}
	if err := s.d.Messages.CreatePrivate(ctx, m); err != nil {
		return nil, fmt.Errorf("insert private message: %w", err)
	}
	s.publish(ctx, feed.Event{Table: "private_messages", Op: feed.OpInsert, ID: m.ID.String(), UserID: userID})
	return m, nil
}

func (s *Service) newPrivate(staff, userID uuid.UUID, message string, att Attachment) (*models.PrivateMessage, error) {
	message = strings.TrimSpace(message)
	if message == "" && att.ImageURL == nil && att.VideoURL == nil {
		return nil, apperr.New(apperr.Invalid, "message or attachment is required")
	}
	sender := staff
	m := &models.PrivateMessage{
		ID:          uuid.New(),
		RecipientID: userID,
		SenderID:    &sender,
		SenderName:  s.d.SenderName,
		Message:     message,
		ImageURL:    att.ImageURL,
		VideoURL:    att.VideoURL,
	}
	return m, nil
}

// SupportThread returns one user's support conversation.
func (s *Service) SupportThread(ctx context.Context, userID uuid.UUID, limit int) ([]*models.SupportMessage, error) {
	return s.d.Messages.ListSupport(ctx, userID, limit)
}

// ReplySupport posts a staff reply into the user's support thread.
func (s *Service) ReplySupport(ctx context.Context, staff, userID uuid.UUID, message string, att Attachment) (*models.SupportMessage, error) {
	message = strings.TrimSpace(message)
	if message == "" && att.ImageURL == nil && att.VideoURL == nil {
		return nil, apperr.New(apperr.Invalid, "message or attachment is required")
	}
	if _, err := s.target(ctx, userID); err != nil {
		return nil, err
	}
	m := &models.SupportMessage{
		ID:       uuid.New(),
		UserID:   userID,
		SenderID: staff,
		IsAdmin:  true,
		Message:  message,
		ImageURL: att.ImageURL,
		VideoURL: att.VideoURL,
	}
	if err := s.d.Messages.CreateSupport(ctx, m); err != nil {
		return nil, fmt.Errorf("insert support message: %w", err)
	}
	s.publish(ctx, feed.Event{Table: "support_messages", Op: feed.OpInsert, ID: m.ID.String(), UserID: userID})
	s.after(ctx, staff, "admin_support_reply", userID, "", nil)
	return m, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Service) target(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	p, err := s.d.Profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, s.notFound(err)
	}
	return p, nil
}

func (s *Service) notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

// after records the audit row against the staff member and, when table is
// set, announces the change on the target's feed.
func (s *Service) after(ctx context.Context, staff uuid.UUID, action string, target uuid.UUID, table string, extra any) {
	details := map[string]any{"target_user_id": target}
	if extra != nil {
		details["details"] = extra
	}
	if s.d.Audit != nil {
		if err := s.d.Audit.Record(ctx, staff, action, nil, details); err != nil {
			s.log.Warn("record admin action failed", "action", action, "error", err)
		}
	}
	s.log.Info("admin action", "action", action, "staff_id", staff, "target_user_id", target)
	if table != "" {
		s.publish(ctx, feed.Event{Table: table, Op: feed.OpUpdate, ID: target.String(), UserID: target})
	}
}

func (s *Service) publish(ctx context.Context, ev feed.Event) {
	if s.d.Events == nil {
		return
	}
	if err := s.d.Events.Publish(ctx, ev); err != nil {
		s.log.Warn("publish change event failed", "table", ev.Table, "error", err)
	}
}
