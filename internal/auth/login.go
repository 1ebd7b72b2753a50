package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/internal/models"
	"github.com/navibridge/navibridge/pkg/logger"
	"github.com/navibridge/navibridge/pkg/metrics"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

// Login page markers. The page is server-rendered Korean HTML; these are the
// only stable hooks it offers.
const (
	loginFailMarker      = `id="loginFailPopup" style="display:none;"`
	mismatchMarker       = "입력한 정보가 일치하지 않습니다."
	changePasswordPath   = "/member/changePassword"
	changeLaterPath      = "/member/changePasswordLater"
	messageAssignment    = "var message = "
	maxPasswordFailures  = 5
	maxLoginAttempts     = 2
	defaultLoginTokenTTL = time.Hour
)

var failureCount = regexp.MustCompile(`현재 (\d)회`)

type loginPage struct {
	body string
	url  *url.URL
}

// Login submits the member login form and parses the session embedded in the
// result page. When the vendor demands a password change, the change is
// postponed and the login is attempted once more.
func (c *Client) Login(ctx context.Context, username, password string) (res *LoginResult, err error) {
	defer func() { metrics.AuthRequests.WithLabelValues("login", metrics.Outcome(err)).Inc() }()
	logger.Debugf("logging in as %s", username)

	for attempt := 1; attempt <= maxLoginAttempts; attempt++ {
		hc, err := c.loginHTTPClient()
		if err != nil {
			return nil, err
		}
		page, err := c.submitLogin(ctx, hc, username, password)
		if err != nil {
			return nil, err
		}
		res, err = c.parseLoginPage(page)
		if err == nil {
			return res, nil
		}
		if !apperrors.IsAuth(err, apperrors.AuthPasswordChangeRequired) || attempt == maxLoginAttempts {
			return nil, err
		}
		logger.Warnf("vendor asks for a password change; postponing it and retrying login")
		if err := c.postponePasswordChange(ctx, hc); err != nil {
			return nil, err
		}
	}
	return nil, apperrors.NewAuthError(apperrors.AuthPasswordChangeRequired, "login still requires a password change")
}

// loginHTTPClient returns a client with a fresh cookie jar; the result page is
// behind a redirect that needs the session cookie set by the form post.
func (c *Client) loginHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &http.Client{Jar: jar, Timeout: c.timeout}, nil
}

func (c *Client) submitLogin(ctx context.Context, hc *http.Client, username, password string) (*loginPage, error) {
	form := url.Values{"username": {username}, "password": {password}}
	return c.postForm(ctx, hc, "/member/login", form)
}

func (c *Client) postponePasswordChange(ctx context.Context, hc *http.Client) error {
	_, err := c.postForm(ctx, hc, changeLaterPath, url.Values{})
	return err
}

func (c *Client) postForm(ctx context.Context, hc *http.Client, path string, form url.Values) (*loginPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Origin", c.loginURL)
	req.Header.Set("Referer", c.loginURL+"/member/login")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, apperrors.Transient("login", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transient("login", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, apperrors.Transient("login", fmt.Errorf("status %d", resp.StatusCode))
	}
	return &loginPage{body: string(body), url: resp.Request.URL}, nil
}

func (c *Client) parseLoginPage(page *loginPage) (*LoginResult, error) {
	if err := classifyLoginFailure(page.body); err != nil {
		return nil, err
	}
	if requiresPasswordChange(page) {
		return nil, apperrors.NewAuthError(apperrors.AuthPasswordChangeRequired, "password change required")
	}

	raw, ok := extractMessage(page.body)
	if !ok {
		return nil, apperrors.NewAuthError(apperrors.AuthInvalidCredentials, "username or password is incorrect")
	}
	var lr models.LoginResponse
	if err := json.Unmarshal([]byte(raw), &lr); err != nil || lr.AccessToken == "" {
		return nil, &apperrors.AuthError{
			Reason:            apperrors.AuthInvalidCredentials,
			Message:           "login page carried no session",
			RemainingAttempts: -1,
			Err:               err,
		}
	}

	now := c.now()
	ttl := credentials.TTLOrHint(time.Duration(lr.AuthenticationExpiresIn)*time.Millisecond, lr.AccessToken, now, defaultLoginTokenTTL)
	return &LoginResult{
		Session:    credentials.NewAccountSession(lr.AccessToken, lr.RefreshToken, ttl, now),
		LoginID:    lr.LoginID,
		AccountSeq: lr.UserSeq,
	}, nil
}

// classifyLoginFailure is best effort: the page only hints at which field
// was wrong.
func classifyLoginFailure(body string) error {
	if !strings.Contains(body, loginFailMarker) {
		return nil
	}
	if !strings.Contains(body, mismatchMarker) {
		return apperrors.NewAuthError(apperrors.AuthWrongUsername, "username is incorrect")
	}
	if m := failureCount.FindStringSubmatch(body); m != nil {
		n, _ := strconv.Atoi(m[1])
		remaining := maxPasswordFailures - n
		if remaining < 0 {
			remaining = 0
		}
		return &apperrors.AuthError{
			Reason:            apperrors.AuthWrongPassword,
			Message:           fmt.Sprintf("password is incorrect (failures: %d of %d)", n, maxPasswordFailures),
			RemainingAttempts: remaining,
		}
	}
	return &apperrors.AuthError{
		Reason:            apperrors.AuthWrongPassword,
		Message:           "password is incorrect; reset the password on the vendor site to log in again",
		RemainingAttempts: 0,
	}
}

func requiresPasswordChange(page *loginPage) bool {
	if page.url != nil && strings.HasPrefix(page.url.Path, changePasswordPath) {
		return true
	}
	return strings.Contains(page.body, changeLaterPath)
}

// extractMessage finds the object literal assigned to `message` inside a
// script element.
func extractMessage(body string) (string, bool) {
	z := html.NewTokenizer(strings.NewReader(body))
	inScript := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken:
			name, _ := z.TagName()
			inScript = string(name) == "script"
		case html.EndTagToken:
			inScript = false
		case html.TextToken:
			if !inScript {
				continue
			}
			for _, line := range strings.Split(string(z.Text()), "\n") {
				if !strings.Contains(line, messageAssignment) {
					continue
				}
				start := strings.Index(line, "{")
				end := strings.LastIndex(line, "}")
				if start < 0 || end < start {
					return "", false
				}
				return line[start : end+1], true
			}
		}
	}
}
