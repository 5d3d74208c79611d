package portalauth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SetUserActive activates or deactivates a user. Deactivation revokes every
// refresh record so existing sessions cannot be renewed.
func (e *Engine) SetUserActive(ctx context.Context, userID string, active bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return ErrUserNotFound
	}

	action := "activate"
	if !active {
		action = "deactivate"
	}

	err := e.setActive(ctx, userID, active)
	if err == nil {
		e.metricInc(MetricAccountStatusChange)
	}
	e.emitAudit(ctx, auditEventAccountStatusChange, err == nil, auditFields{userID: userID}, err, func() map[string]string {
		return map[string]string{"action": action}
	})
	return err
}

func (e *Engine) setActive(ctx context.Context, userID string, active bool) error {
	if err := e.users.SetActive(ctx, userID, active); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return serverError(err)
	}
	if active {
		return nil
	}
	if _, err := e.refresh.RevokeAllForUser(ctx, userID); err != nil {
		return serverError(err)
	}
	return nil
}

// UnlockUser clears the failed-attempt counter and any lockout.
func (e *Engine) UnlockUser(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return ErrUserNotFound
	}

	err := e.users.Unlock(ctx, userID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		err = serverError(err)
	}
	e.emitAudit(ctx, auditEventAccountUnlock, err == nil, auditFields{userID: userID}, err, nil)
	return err
}

// PurgeExpired deletes refresh records that expired more than retention
// ago and returns how many were removed.
func (e *Engine) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if retention < 0 {
		retention = 0
	}
	n, err := e.refresh.PurgeExpired(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, serverError(err)
	}
	if n > 0 {
		e.logger.Info(ctx, "purged expired refresh records", "count", strconv.FormatInt(n, 10))
	}
	return n, nil
}
