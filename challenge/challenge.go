package challenge

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Flow names the state machine a challenge belongs to.
type Flow string

const (
	FlowLogin        Flow = "login"
	FlowRegistration Flow = "registration"
)

// Stage is the last step a challenge completed.
type Stage string

const (
	StageIdentity Stage = "IDENTITY"
	StagePassword Stage = "PASSWORD"
	StageMFA      Stage = "MFA"

	StageService  Stage = "SERVICE"
	StageSecurity Stage = "SECURITY"
	StageActivate Stage = "ACTIVATE"
)

var transitions = map[Flow]map[Stage][]Stage{
	FlowLogin: {
		StageIdentity: {StagePassword},
		StagePassword: {StageMFA},
		StageMFA:      {StageMFA},
	},
	FlowRegistration: {
		StageIdentity: {StageService},
		StageService:  {StageSecurity},
		StageSecurity: {StageActivate},
		StageActivate: {StageActivate},
	},
}

var (
	ErrInvalid    = errors.New("challenge invalid")
	ErrExpired    = errors.New("challenge expired")
	ErrWrongFlow  = errors.New("challenge belongs to another flow")
	ErrWrongStage = errors.New("challenge is at the wrong stage")
	ErrTransition = errors.New("challenge transition not allowed")
)

// Claims is the accumulated state of one flow.
type Claims struct {
	Flow  Flow  `json:"flow"`
	Stage Stage `json:"stage"`

	UserID    string `json:"uid,omitempty"`
	Role      string `json:"role,omitempty"`
	Email     string `json:"email,omitempty"`
	MFAMethod string `json:"mfa,omitempty"`

	FullName     string   `json:"name,omitempty"`
	Mobile       string   `json:"mobile,omitempty"`
	Identifier   string   `json:"ident,omitempty"`
	PasswordHash string   `json:"pwh,omitempty"`
	TOTPSecret   string   `json:"tsec,omitempty"`
	BackupCodes  []string `json:"bkc,omitempty"`

	jwt.RegisteredClaims
}

// Config configures an Encoder.
type Config struct {
	Key             []byte
	Issuer          string
	LoginTTL        time.Duration
	RegistrationTTL time.Duration
	// Now replaces time.Now when verifying expiry and issued-at.
	Now func() time.Time
}

// Encoder issues and verifies challenges.
type Encoder struct {
	cfg Config
}

// NewEncoder validates cfg.
func NewEncoder(cfg Config) (*Encoder, error) {
	if len(cfg.Key) < 32 {
		return nil, errors.New("challenge key must be at least 32 bytes")
	}
	if cfg.LoginTTL <= 0 || cfg.RegistrationTTL <= 0 {
		return nil, errors.New("challenge TTLs must be > 0")
	}
	key := make([]byte, len(cfg.Key))
	copy(key, cfg.Key)
	cfg.Key = key
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Encoder{cfg: cfg}, nil
}

// TTL returns the lifetime of a challenge of flow.
func (e *Encoder) TTL(flow Flow) time.Duration {
	if flow == FlowRegistration {
		return e.cfg.RegistrationTTL
	}
	return e.cfg.LoginTTL
}

// Start issues the first challenge of a flow at StageIdentity with a new id.
func (e *Encoder) Start(c Claims, now time.Time) (string, time.Time, error) {
	if _, ok := transitions[c.Flow]; !ok {
		return "", time.Time{}, ErrWrongFlow
	}
	c.Stage = StageIdentity
	c.ID = uuid.NewString()
	return e.sign(&c, now, now.Add(e.TTL(c.Flow)).Truncate(time.Second))
}

// Advance moves c to stage and re-signs it, keeping the flow id. Moving
// forward grants a fresh expiry; staying at the same stage keeps the current
// one, so resends cannot extend a challenge.
func (e *Encoder) Advance(c *Claims, to Stage, now time.Time) (string, time.Time, error) {
	if !Allowed(c.Flow, c.Stage, to) {
		return "", time.Time{}, fmt.Errorf("%w: %s -> %s", ErrTransition, c.Stage, to)
	}
	next := *c
	next.Stage = to
	exp := now.Add(e.TTL(c.Flow)).Truncate(time.Second)
	if to == c.Stage {
		if c.ExpiresAt == nil {
			return "", time.Time{}, ErrInvalid
		}
		exp = c.ExpiresAt.Time
	}
	if !exp.After(now) {
		return "", time.Time{}, ErrExpired
	}
	return e.sign(&next, now, exp)
}

// Allowed reports whether from -> to is in the flow's transition table.
func Allowed(flow Flow, from, to Stage) bool {
	for _, s := range transitions[flow][from] {
		if s == to {
			return true
		}
	}
	return false
}

// Decode verifies token for flow and requires its stage to be one of stages.
func (e *Encoder) Decode(token string, flow Flow, stages ...Stage) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalid
	}
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience(audience(flow)),
		jwt.WithIssuer(e.cfg.Issuer),
		jwt.WithTimeFunc(e.cfg.Now),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return e.cfg.Key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		if errors.Is(err, jwt.ErrTokenInvalidAudience) {
			return nil, ErrWrongFlow
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid || claims.ID == "" {
		return nil, ErrInvalid
	}
	if claims.Flow != flow {
		return nil, ErrWrongFlow
	}
	if _, ok := transitions[flow][claims.Stage]; !ok {
		return nil, ErrInvalid
	}
	for _, s := range stages {
		if claims.Stage == s {
			return claims, nil
		}
	}
	return nil, ErrWrongStage
}

func (e *Encoder) sign(c *Claims, now, exp time.Time) (string, time.Time, error) {
	c.Issuer = e.cfg.Issuer
	c.Audience = jwt.ClaimStrings{audience(c.Flow)}
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(exp)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(e.cfg.Key)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

func audience(flow Flow) string {
	return "portalauth:" + string(flow)
}
