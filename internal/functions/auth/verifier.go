package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

const (
	firebaseIssuerPrefix = "https://securetoken.google.com/"
	firebaseJWKSURL      = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"
)

// TokenVerifier turns a raw bearer token into a Caller.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Caller, error)
}

// FirebaseVerifier validates Firebase Authentication ID tokens.
type FirebaseVerifier struct {
	projectID string
	verifier  *oidc.IDTokenVerifier
}

// NewFirebaseVerifier builds a verifier for projectID backed by Google's
// published securetoken signing keys. Keys are fetched lazily and cached.
func NewFirebaseVerifier(ctx context.Context, projectID string) (*FirebaseVerifier, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("firebase project id must be set")
	}
	keySet := oidc.NewRemoteKeySet(ctx, firebaseJWKSURL)
	return newFirebaseVerifier(projectID, keySet, nil), nil
}

func newFirebaseVerifier(projectID string, keySet oidc.KeySet, now func() time.Time) *FirebaseVerifier {
	cfg := &oidc.Config{
		ClientID:             projectID,
		SupportedSigningAlgs: []string{oidc.RS256},
		Now:                  now,
	}
	return &FirebaseVerifier{
		projectID: projectID,
		verifier:  oidc.NewVerifier(firebaseIssuerPrefix+projectID, keySet, cfg),
	}
}

type firebaseClaims struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Verify checks signature, issuer, audience and expiry of rawToken.
func (v *FirebaseVerifier) Verify(ctx context.Context, rawToken string) (*Caller, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify firebase id token: %w", err)
	}

	var claims firebaseClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode firebase claims: %w", err)
	}

	uid := strings.TrimSpace(token.Subject)
	if uid == "" {
		uid = strings.TrimSpace(claims.UserID)
	}
	if uid == "" {
		return nil, errors.New("firebase id token missing subject")
	}
	return &Caller{
		UID:           uid,
		Email:         strings.TrimSpace(claims.Email),
		EmailVerified: claims.EmailVerified,
	}, nil
}
