package models

import "encoding/json"

// ResponseCode is the vendor's application-level status inside the envelope.
type ResponseCode int

const (
	CodeSuccess       ResponseCode = 200
	CodeBadRequest    ResponseCode = 400
	CodeNotAuthorized ResponseCode = 404 // signed in from another device
	CodeTokenExpired  ResponseCode = 407
)

// Envelope is the {code, msg, data} wrapper every vendor API response uses.
type Envelope struct {
	Code ResponseCode    `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HasData reports whether data is present and not null.
func (e Envelope) HasData() bool {
	return len(e.Data) > 0 && string(e.Data) != "null"
}

// LoginResponse is the JSON embedded in the login result page.
type LoginResponse struct {
	LoginID                 string `json:"loginId"`
	ClientID                string `json:"clientId"`
	AccessToken             string `json:"accessToken"`
	AuthenticationExpiresIn int64  `json:"authenticationExpiresIn"` // milliseconds
	UserSeq                 int64  `json:"userSeq"`
	RefreshToken            string `json:"refreshToken"`
}

// TokenAuthInfo is returned by the token refresh endpoint.
type TokenAuthInfo struct {
	AccessToken             string `json:"accessToken"`
	AuthenticationExpiresIn int64  `json:"authenticationExpiresIn"` // seconds
}

type RefreshData struct {
	AuthInfo TokenAuthInfo `json:"authInfo"`
}

// CloudAuthInfo is the temporary broker credential from secured sign-in.
type CloudAuthInfo struct {
	AccessKeyID            string `json:"accessKeyId"`
	SecretKey              string `json:"secretKey"`
	SessionToken           string `json:"sessionToken"`
	AuthorizationExpiresIn int64  `json:"authorizationExpiresIn"` // seconds
}

type UserInfo struct {
	UserSeq  int64  `json:"userSeq"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname,omitempty"`
}

type Home struct {
	HomeSeq  int64   `json:"homeSeq"`
	Nickname string  `json:"nickname"`
	Devices  []int64 `json:"devices,omitempty"`
}

// SignInData is the payload of the secured sign-in (second login step).
type SignInData struct {
	UserInfo       UserInfo      `json:"userInfo"`
	CurrentHomeSeq *int64        `json:"currentHomeSeq"`
	Home           []Home        `json:"home"`
	AuthInfo       CloudAuthInfo `json:"authInfo"`
}

type SignInRequest struct {
	UserID     string `json:"userId"`
	AccountSeq int64  `json:"accountSeq"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}
