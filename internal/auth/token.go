package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenManager signs and verifies session, refresh and MFA challenge JWTs
type TokenManager struct {
	secret             []byte
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
	mfaChallengeExpiry time.Duration
	now                func() time.Time
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret string, accessExpiry, refreshExpiry, mfaExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:             []byte(secret),
		accessTokenExpiry:  accessExpiry,
		refreshTokenExpiry: refreshExpiry,
		mfaChallengeExpiry: mfaExpiry,
		now:                time.Now,
	}
}

// WithClock replaces the time source, for tests
func (tm *TokenManager) WithClock(now func() time.Time) *TokenManager {
	tm.now = now
	return tm
}

func (tm *TokenManager) AccessTokenExpiry() time.Duration  { return tm.accessTokenExpiry }
func (tm *TokenManager) RefreshTokenExpiry() time.Duration { return tm.refreshTokenExpiry }

func (tm *TokenManager) sign(claims *models.TokenClaims, expiresAt time.Time) (*models.IssuedToken, error) {
	now := tm.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   claims.IdentityID,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s token: %w", claims.Type, err)
	}

	return &models.IssuedToken{
		Token:     signed,
		ID:        claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// GenerateSessionToken issues a short-lived token bound to a session
func (tm *TokenManager) GenerateSessionToken(identityID, sessionID string, generation int64) (*models.IssuedToken, error) {
	return tm.sign(&models.TokenClaims{
		Type:       models.TokenTypeSession,
		IdentityID: identityID,
		SessionID:  sessionID,
		Generation: generation,
	}, tm.now().Add(tm.accessTokenExpiry))
}

// GenerateRefreshToken issues a long-lived token that can only be exchanged at refresh
func (tm *TokenManager) GenerateRefreshToken(identityID, sessionID string, generation int64) (*models.IssuedToken, error) {
	return tm.sign(&models.TokenClaims{
		Type:       models.TokenTypeRefresh,
		IdentityID: identityID,
		SessionID:  sessionID,
		Generation: generation,
	}, tm.now().Add(tm.refreshTokenExpiry))
}

// GenerateMFAChallenge issues the token a client presents with its second factor.
// The device captured at login travels with it so the session is bound to the same client.
func (tm *TokenManager) GenerateMFAChallenge(identityID string, generation int64, device *models.DeviceMeta) (*models.IssuedToken, error) {
	return tm.sign(&models.TokenClaims{
		Type:       models.TokenTypeMFA,
		IdentityID: identityID,
		Generation: generation,
		Device:     device,
	}, tm.now().Add(tm.mfaChallengeExpiry))
}

// ValidateToken verifies signature, expiry and type. All failures map to ErrTokenInvalid.
func (tm *TokenManager) ValidateToken(tokenString string, expected models.TokenType) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(tm.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", models.ErrTokenInvalid)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrTokenInvalid, err)
	}

	if !token.Valid || claims.ID == "" || claims.IdentityID == "" {
		return nil, models.ErrTokenInvalid
	}

	if claims.Type != expected {
		return nil, fmt.Errorf("%w: expected %s token", models.ErrTokenInvalid, expected)
	}

	return claims, nil
}
