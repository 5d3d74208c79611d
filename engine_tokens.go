package portalauth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/portalauth/internal"
	"github.com/MrEthical07/portalauth/internal/stores"
	"github.com/oklog/ulid/v2"
)

// refreshExpirySlack bounds the disagreement tolerated between a refresh
// record's stored expiry and the token's signed exp.
const refreshExpirySlack = time.Second

// ExchangeCode consumes an authorization code exactly once and issues an
// access/refresh token pair for the bound user.
func (e *Engine) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { e.metricObserve(MetricExchangeLatency, time.Since(start)) }()

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, e.rejectRequest(ctx, auditEventCodeExchange, auditFields{}, ErrMissingFields)
	}

	record, err := e.authCodes.Consume(ctx, code, e.now())
	if err != nil {
		if errors.Is(err, stores.ErrAuthCodeBackend) {
			return nil, serverError(err)
		}
		e.metricInc(MetricAuthCodeRejected)
		e.emitAudit(ctx, auditEventCodeExchange, false, auditFields{}, ErrInvalidAuthCode, nil)
		return nil, ErrInvalidAuthCode
	}

	who := auditFields{userID: record.UserID, role: Role(record.Role)}
	user, err := e.users.FindByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.metricInc(MetricAuthCodeRejected)
			e.emitAudit(ctx, auditEventCodeExchange, false, who, ErrInvalidAuthCode, nil)
			return nil, ErrInvalidAuthCode
		}
		return nil, serverError(err)
	}
	if !user.Active {
		e.emitAudit(ctx, auditEventCodeExchange, false, who, ErrAccountDeactivated, nil)
		return nil, ErrAccountDeactivated
	}

	tokens, err := e.issueTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricAuthCodeExchanged)
	e.emitAudit(ctx, auditEventCodeExchange, true, who, nil, nil)
	return tokens, nil
}

// issueTokens signs a new pair and records the refresh token's digest.
func (e *Engine) issueTokens(ctx context.Context, user *User) (*TokenSet, error) {
	now := e.now()

	access, _, err := e.jwtManager.CreateAccess(user.ID, string(user.Role), now)
	if err != nil {
		return nil, serverError(err)
	}

	jti, err := internal.NewToken(32)
	if err != nil {
		return nil, serverError(err)
	}
	exp := now.Add(e.jwtManager.RefreshTTL()).Truncate(time.Second)
	refresh, err := e.jwtManager.CreateRefresh(user.ID, jti, now, exp)
	if err != nil {
		return nil, serverError(err)
	}

	if err := e.refresh.Insert(ctx, RefreshRecord{
		ID:        ulid.Make().String(),
		UserID:    user.ID,
		TokenHash: internal.HashToken(jti),
		ExpiresAt: exp,
		CreatedAt: now,
	}); err != nil {
		return nil, serverError(err)
	}

	return &TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    e.jwtManager.AccessTTL(),
		User:         profileOf(user),
	}, nil
}

// Refresh rotates a refresh token. The presented record is revoked and a new
// pair issued. Presenting an already revoked token revokes every record of
// its owner.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	record, err := e.lookupRefresh(ctx, refreshToken, false)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefresh, false, auditFields{}, err, nil)
		return nil, err
	}
	who := auditFields{userID: record.UserID}

	if record.Revoked {
		return nil, e.refreshReuse(ctx, record.UserID, who)
	}

	flipped, err := e.refresh.Revoke(ctx, record.ID)
	if err != nil {
		return nil, serverError(err)
	}
	if !flipped {
		// Lost a race with another rotation of the same token.
		return nil, e.refreshReuse(ctx, record.UserID, who)
	}

	user, err := e.users.FindByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.metricInc(MetricRefreshFailure)
			return nil, ErrInvalidToken
		}
		return nil, serverError(err)
	}
	who.role = user.Role
	if !user.Active {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefresh, false, who, ErrAccountDeactivated, nil)
		return nil, ErrAccountDeactivated
	}

	tokens, err := e.issueTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefresh, true, who, nil, nil)
	return tokens, nil
}

func (e *Engine) refreshReuse(ctx context.Context, userID string, who auditFields) error {
	e.metricInc(MetricRefreshReuseDetected)
	n, err := e.refresh.RevokeAllForUser(ctx, userID)
	if err != nil {
		e.logger.Error(ctx, "refresh reuse revocation failed", "error", err)
		return serverError(err)
	}
	e.emitAudit(ctx, auditEventRefreshReuse, false, who, ErrInvalidToken, func() map[string]string {
		return map[string]string{"revoked": strconv.FormatInt(n, 10)}
	})
	return ErrInvalidToken
}

// lookupRefresh verifies a refresh token and returns its record. With
// allowExpired a lapsed but otherwise authentic token is still resolved.
func (e *Engine) lookupRefresh(ctx context.Context, token string, allowExpired bool) (*RefreshRecord, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingFields
	}
	claims, err := e.jwtManager.ParseRefresh(token, allowExpired)
	if err != nil {
		return nil, ErrInvalidToken
	}

	record, err := e.refresh.FindByHash(ctx, internal.HashToken(claims.ID))
	if err != nil {
		if errors.Is(err, ErrRefreshRecordNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, serverError(err)
	}
	if record.UserID != claims.UID {
		return nil, ErrInvalidToken
	}

	signed := claims.ExpiresAt.Time
	diff := record.ExpiresAt.Sub(signed)
	if diff < -refreshExpirySlack || diff > refreshExpirySlack {
		return nil, ErrInvalidToken
	}
	if !allowExpired && !e.now().Before(record.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	return record, nil
}

// ValidateAccess verifies an access token for downstream collaborators.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*AccessClaims, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	claims, err := e.jwtManager.ParseAccess(strings.TrimSpace(accessToken))
	if err != nil {
		return nil, ErrInvalidToken
	}
	role, ok := ParseRole(claims.Role)
	if !ok || claims.UID == "" {
		return nil, ErrInvalidToken
	}
	return &AccessClaims{
		UserID:    claims.UID,
		Role:      role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Profile returns the public profile of userID.
func (e *Engine) Profile(ctx context.Context, userID string) (*Profile, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, serverError(err)
	}
	p := profileOf(user)
	return &p, nil
}

// Logout revokes every refresh record of userID and sends a best-effort
// logout notice.
func (e *Engine) Logout(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return ErrMissingFields
	}

	n, err := e.refresh.RevokeAllForUser(ctx, userID)
	if err != nil {
		e.emitAudit(ctx, auditEventLogout, false, auditFields{userID: userID}, err, nil)
		return serverError(err)
	}
	e.metricInc(MetricLogout)

	who := auditFields{userID: userID}
	if user, err := e.users.FindByID(ctx, userID); err == nil {
		who.role = user.Role
		who.email = user.Email
		if err := e.notifier.Notify(ctx, Notification{Kind: NotifyLogout, Email: user.Email}); err != nil {
			e.logger.Warn(ctx, "logout notice failed", "error", err)
		}
	} else if !errors.Is(err, ErrUserNotFound) {
		e.logger.Warn(ctx, "logout notice skipped", "error", err)
	}

	e.emitAudit(ctx, auditEventLogout, true, who, nil, func() map[string]string {
		return map[string]string{"revoked": strconv.FormatInt(n, 10)}
	})
	return nil
}

// LogoutWithRefresh resolves the owner from a refresh token, expired or
// not, and logs them out.
func (e *Engine) LogoutWithRefresh(ctx context.Context, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	record, err := e.lookupRefresh(ctx, refreshToken, true)
	if err != nil {
		e.emitAudit(ctx, auditEventLogout, false, auditFields{}, err, nil)
		return err
	}
	return e.Logout(ctx, record.UserID)
}
