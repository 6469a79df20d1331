package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/hearth/pkg/audit"
	"github.com/platinummonkey/hearth/pkg/observability"
)

// compensationTimeout bounds each rollback step; rollbacks run even when the
// caller's context is already cancelled.
const compensationTimeout = 10 * time.Second

// AdminService promotes members, demotes admins and edits admin permissions.
//
// Each operation is two table mutations: insert into the destination table,
// then delete from the source table. When the store implements Transactor both
// run in one transaction. Otherwise they run in order and a failure of the
// second is compensated by deleting the inserted row.
//
// The service never touches the role cache. Callers refresh with a forced
// resolve once an operation succeeds.
type AdminService struct {
	store    Store
	resolver RoleResolver
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// AdminOption configures an AdminService
type AdminOption func(*AdminService)

// WithAuditLogger records every operation, allowed or not
func WithAuditLogger(l audit.Logger) AdminOption {
	return func(s *AdminService) {
		if l != nil {
			s.audit = l
		}
	}
}

// WithAdminLogger sets the logger
func WithAdminLogger(logger *observability.Logger) AdminOption {
	return func(s *AdminService) { s.logger = logger }
}

// WithAdminMetrics records operation and compensation counts
func WithAdminMetrics(metrics *observability.Metrics) AdminOption {
	return func(s *AdminService) { s.metrics = metrics }
}

// NewAdminService creates the service. resolver is used to authorize the
// acting user and is always called with forceRefresh set.
func NewAdminService(store Store, resolver RoleResolver, opts ...AdminOption) *AdminService {
	s := &AdminService{
		store:    store,
		resolver: resolver,
		audit:    audit.NopLogger(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Promote turns the member userID into an admin created by actorID. A nil perms
// grants DefaultAdminPermissions.
func (s *AdminService) Promote(ctx context.Context, actorID, userID string, perms *AdminPermissions) (admin *AdminRecord, err error) {
	defer func() { s.finish(ctx, audit.EventTypeAdminPromote, actorID, userID, err) }()

	if _, err := s.authorize(ctx, actorID, CapManageUsers); err != nil {
		return nil, err
	}

	member, err := s.store.GetMember(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("promote %s: %w", userID, ErrNotMember)
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetAdmin(ctx, userID); err == nil {
		return nil, fmt.Errorf("promote %s: %w", userID, ErrAlreadyAdmin)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	granted := DefaultAdminPermissions()
	if perms != nil {
		granted = *perms
	}
	createdBy := actorID
	admin = &AdminRecord{
		ID:          userID,
		Email:       member.Email,
		DisplayName: member.DisplayName,
		Permissions: granted,
		CreatedBy:   &createdBy,
	}

	err = s.apply(ctx, "promote", userID, []step{
		{
			name: "insert admin",
			do:   func(ctx context.Context, st Store) error { return st.InsertAdmin(ctx, admin) },
			undo: func(ctx context.Context, st Store) error { return st.DeleteAdmin(ctx, userID) },
		},
		{
			name: "delete member",
			do:   func(ctx context.Context, st Store) error { return st.DeleteMember(ctx, userID) },
		},
	})
	if err != nil {
		return nil, err
	}
	return admin, nil
}

// Demote turns the admin userID back into a member. Super admin records are
// rejected before either table is touched. If a member row already exists for
// userID only the admin row is removed.
func (s *AdminService) Demote(ctx context.Context, actorID, userID string) (member *MemberRecord, err error) {
	defer func() { s.finish(ctx, audit.EventTypeAdminDemote, actorID, userID, err) }()

	if _, err := s.authorize(ctx, actorID, CapManageUsers); err != nil {
		return nil, err
	}

	admin, err := s.targetAdmin(ctx, "demote", userID)
	if err != nil {
		return nil, err
	}
	if actorID == userID {
		return nil, ErrSelfAction
	}

	existing, err := s.store.GetMember(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var steps []step
	if existing != nil {
		member = existing
	} else {
		member = &MemberRecord{
			ID:          userID,
			Email:       admin.Email,
			DisplayName: admin.DisplayName,
			Role:        StoredMember,
		}
		steps = append(steps, step{
			name: "insert member",
			do:   func(ctx context.Context, st Store) error { return st.InsertMember(ctx, member) },
			undo: func(ctx context.Context, st Store) error { return st.DeleteMember(ctx, userID) },
		})
	}
	steps = append(steps, step{
		name: "delete admin",
		do: func(ctx context.Context, st Store) error {
			err := st.DeleteAdmin(ctx, userID)
			if errors.Is(err, ErrNotFound) {
				return ErrNotAdmin
			}
			return err
		},
	})

	if err := s.apply(ctx, "demote", userID, steps); err != nil {
		return nil, err
	}
	return member, nil
}

// UpdatePermissions replaces the permission set of a non-super admin. Only a
// super admin may edit permissions.
func (s *AdminService) UpdatePermissions(ctx context.Context, actorID, userID string, perms AdminPermissions) (admin *AdminRecord, err error) {
	defer func() { s.finish(ctx, audit.EventTypeAdminPermissionsUpdate, actorID, userID, err) }()

	if _, err := s.authorize(ctx, actorID, CapManageAdmins); err != nil {
		return nil, err
	}

	admin, err = s.targetAdmin(ctx, "update permissions of", userID)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateAdminPermissions(ctx, userID, perms); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("update permissions of %s: %w", userID, ErrNotAdmin)
		}
		return nil, err
	}
	admin.Permissions = perms
	return admin, nil
}

// targetAdmin loads the admin being changed and refuses super admins
func (s *AdminService) targetAdmin(ctx context.Context, op, userID string) (*AdminRecord, error) {
	admin, err := s.store.GetAdmin(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%s %s: %w", op, userID, ErrNotAdmin)
	}
	if err != nil {
		return nil, err
	}
	if admin.IsSuperAdmin {
		return nil, fmt.Errorf("%s %s: %w", op, userID, ErrSuperAdminImmutable)
	}
	return admin, nil
}

// authorize resolves the actor bypassing the cache and checks its authority.
// manage_users needs a super admin or an admin holding that permission;
// manage_admins needs a super admin.
func (s *AdminService) authorize(ctx context.Context, actorID string, need Capability) (*Resolution, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: no acting user", ErrForbidden)
	}
	res, err := s.resolver.Resolve(ctx, actorID, true)
	if err != nil {
		return nil, err
	}

	allowed := res.Role == RoleSuperAdmin
	if need == CapManageUsers && res.Role == RoleAdmin && res.Admin != nil {
		allowed = res.Admin.Permissions.ManageUsers
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s (%s) lacks %s", ErrForbidden, actorID, res.Role, need)
	}
	return res, nil
}

type step struct {
	name string
	do   func(ctx context.Context, st Store) error
	undo func(ctx context.Context, st Store) error
}

func (s *AdminService) apply(ctx context.Context, op, userID string, steps []step) error {
	if tx, ok := s.store.(Transactor); ok {
		return tx.RunInTx(ctx, func(txStore Store) error {
			for _, st := range steps {
				if err := st.do(ctx, txStore); err != nil {
					return fmt.Errorf("%s %s: %s: %w", op, userID, st.name, err)
				}
			}
			return nil
		})
	}

	var done []step
	for _, st := range steps {
		if err := st.do(ctx, s.store); err != nil {
			err = fmt.Errorf("%s %s: %s: %w", op, userID, st.name, err)
			if len(done) == 0 {
				return err
			}
			return s.compensate(ctx, op, userID, done, err)
		}
		done = append(done, st)
	}
	return nil
}

// compensate undoes the completed steps in reverse order
func (s *AdminService) compensate(ctx context.Context, op, userID string, done []step, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithFields(map[string]any{"operation": op, "user_id": userID}).WithError(cause)
	log.Warn("admin operation failed partway, compensating")

	var rollbackErrs []error
	for i := len(done) - 1; i >= 0; i-- {
		if done[i].undo == nil {
			continue
		}
		stepCtx, cancel := context.WithTimeout(ctx, compensationTimeout)
		if err := done[i].undo(stepCtx, s.store); err != nil {
			rollbackErrs = append(rollbackErrs, fmt.Errorf("undo %s: %w", done[i].name, err))
		}
		cancel()
	}

	rollbackErr := errors.Join(rollbackErrs...)
	result := "success"
	if rollbackErr != nil {
		result = "failure"
	}
	if s.metrics != nil {
		s.metrics.CompensationsTotal.WithLabelValues(op, result).Inc()
	}
	if rollbackErr != nil {
		log.WithField("rollback_error", rollbackErr.Error()).Error("compensation failed, tables may overlap")
		return &CompensationError{Operation: op, UserID: userID, Err: cause, RollbackErr: rollbackErr}
	}
	return cause
}

func (s *AdminService) finish(ctx context.Context, eventType audit.EventType, actorID, userID string, err error) {
	status := audit.EventStatusSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrSuperAdminImmutable), errors.Is(err, ErrSelfAction):
		status = audit.EventStatusDenied
	default:
		status = audit.EventStatusFailure
	}

	if s.metrics != nil {
		s.metrics.AdminOperationsTotal.WithLabelValues(string(eventType), string(status)).Inc()
	}

	event := audit.NewEvent(ctx, eventType, status)
	event.ActorID = actorID
	event.TargetID = userID
	event.Message = string(eventType) + " " + string(status)
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	var compErr *CompensationError
	if errors.As(err, &compErr) {
		event.With("compensation_failed", true)
	}
	if logErr := s.audit.Log(context.WithoutCancel(ctx), event); logErr != nil {
		s.logger.WithError(logErr).WithField("event_type", string(eventType)).Warn("failed to record audit event")
	}

	log := s.logger.WithFields(map[string]any{"actor_id": actorID, "user_id": userID, "operation": string(eventType)})
	switch status {
	case audit.EventStatusSuccess:
		log.Info("admin operation applied")
	case audit.EventStatusDenied:
		log.WithError(err).Warn("admin operation rejected")
	default:
		log.WithError(err).Error("admin operation failed")
	}
}
