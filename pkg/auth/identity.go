// Package auth supplies the identity a session acts as.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/syncerr"
)

const maxUserIDLength = 128

// Provider resolves the session user.
type Provider interface {
	Identity(ctx context.Context) (models.Profile, error)
}

// Static always returns the same profile.
type Static struct {
	Profile models.Profile
}

func (s Static) Identity(context.Context) (models.Profile, error) {
	if err := validateUserID(s.Profile.UserID); err != nil {
		return models.Profile{}, err
	}
	return s.Profile, nil
}

// Signed returns Profile only when Signature is a valid HMAC-SHA256 of
// the user id under one of Keys.
type Signed struct {
	Profile   models.Profile
	Signature string
	Keys      []string
}

func (s Signed) Identity(context.Context) (models.Profile, error) {
	uid := s.Profile.UserID
	if err := validateUserID(uid); err != nil {
		return models.Profile{}, err
	}
	if len(s.Keys) == 0 {
		return models.Profile{}, syncerr.Permission("no signing keys configured")
	}
	sig := strings.TrimSpace(s.Signature)
	if sig == "" {
		logger.Warn("missing_user_signature", "user", uid)
		return models.Profile{}, syncerr.Permission("missing signature for %s", uid)
	}
	for _, k := range s.Keys {
		if hmac.Equal([]byte(Sign(k, uid)), []byte(sig)) {
			logger.Info("signature_verified", "user", uid)
			return s.Profile, nil
		}
	}
	logger.Warn("invalid_signature", "user", uid)
	return models.Profile{}, syncerr.Permission("invalid signature for %s", uid)
}

// Sign returns the hex HMAC-SHA256 of userID under key.
func Sign(key, userID string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

func validateUserID(uid string) error {
	switch {
	case uid == "":
		return syncerr.Validation("user id required")
	case len(uid) > maxUserIDLength:
		return syncerr.Validation("user id too long")
	case strings.Contains(uid, "/"):
		return syncerr.Validation("user id must not contain '/'")
	}
	return nil
}
