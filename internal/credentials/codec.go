package credentials

import (
	"encoding/json"
	"time"

	apperrors "github.com/navibridge/navibridge/internal/errors"
)

// SchemaVersion is written with every persisted payload.
const SchemaVersion = 2

// Keys used in the persisted state store.
const (
	SessionKey = "session"
	UserKey    = "user"
)

// Fields only the first persisted user shape carried. Seeing any of them
// means the payload predates the home-scoped identity.
var obsoleteFields = []string{"familySeq", "userId"}

type persistedSession struct {
	Schema       int    `json:"schema"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // unix millis
}

type persistedIdentity struct {
	Schema     int    `json:"schema"`
	LoginID    string `json:"loginId"`
	AccountSeq int64  `json:"accountSeq"`
	UserSeq    int64  `json:"userSeq"`
	HomeSeq    int64  `json:"homeSeq"`
}

func EncodeSession(s AccountSession) ([]byte, error) {
	return json.Marshal(persistedSession{
		Schema:       SchemaVersion,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt.UnixMilli(),
	})
}

// DecodeSession rejects payloads from an older schema or missing a field.
func DecodeSession(b []byte) (AccountSession, error) {
	var p persistedSession
	if err := decodeCurrent(b, &p); err != nil {
		return AccountSession{}, err
	}
	switch {
	case p.AccessToken == "":
		return AccountSession{}, missing("accessToken")
	case p.RefreshToken == "":
		return AccountSession{}, missing("refreshToken")
	case p.ExpiresAt == 0:
		return AccountSession{}, missing("expiresAt")
	}
	return AccountSession{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    time.UnixMilli(p.ExpiresAt),
	}, nil
}

func EncodeIdentity(u UserIdentity) ([]byte, error) {
	return json.Marshal(persistedIdentity{
		Schema:     SchemaVersion,
		LoginID:    u.LoginID,
		AccountSeq: u.AccountSeq,
		UserSeq:    u.UserSeq,
		HomeSeq:    u.HomeSeq,
	})
}

func DecodeIdentity(b []byte) (UserIdentity, error) {
	var p persistedIdentity
	if err := decodeCurrent(b, &p); err != nil {
		return UserIdentity{}, err
	}
	switch {
	case p.LoginID == "":
		return UserIdentity{}, missing("loginId")
	case p.AccountSeq == 0:
		return UserIdentity{}, missing("accountSeq")
	case p.UserSeq == 0:
		return UserIdentity{}, missing("userSeq")
	case p.HomeSeq == 0:
		return UserIdentity{}, missing("homeSeq")
	}
	return UserIdentity{
		LoginID:    p.LoginID,
		AccountSeq: p.AccountSeq,
		UserSeq:    p.UserSeq,
		HomeSeq:    p.HomeSeq,
	}, nil
}

// decodeCurrent checks the schema marker and the obsolete sentinels before
// decoding into dst.
func decodeCurrent(b []byte, dst interface{}) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidPayload, "decode: %v", err)
	}
	for _, f := range obsoleteFields {
		if _, ok := raw[f]; ok {
			return apperrors.Wrapf(apperrors.ErrObsoleteSchema, "field %q", f)
		}
	}
	var version struct {
		Schema int `json:"schema"`
	}
	if err := json.Unmarshal(b, &version); err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidPayload, "schema: %v", err)
	}
	if version.Schema != SchemaVersion {
		return apperrors.Wrapf(apperrors.ErrObsoleteSchema, "schema %d", version.Schema)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidPayload, "decode: %v", err)
	}
	return nil
}

func missing(field string) error {
	return apperrors.Wrapf(apperrors.ErrInvalidPayload, "missing %s", field)
}
