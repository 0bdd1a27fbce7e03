package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
)

// csrfFieldNames are the hidden-input names probed on the login page, in
// probe order. The first match wins.
var csrfFieldNames = []string{
	"csrf_token",
	"csrfmiddlewaretoken",
	"_token",
	"authenticity_token",
	"_csrf",
	"csrf",
	"__RequestVerificationToken",
	"XSRF-TOKEN",
}

// loginFailureMarkers flag a failed login when found in the response body.
var loginFailureMarkers = []string{
	"invalid",
	"incorrect",
	"wrong password",
	"login failed",
	"authentication failed",
	"error",
}

// LoginOptions configure a form login.
type LoginOptions struct {
	UsernameField string
	PasswordField string
	ExtraFields   map[string]string

	// SuccessPredicate, when set, replaces the default marker-string check.
	SuccessPredicate func(resp *interfaces.FetchResponse) bool
}

// Login performs a form-based login: fetch the login page, lift any CSRF
// token from it, POST the credentials, and judge the outcome. Cookies set
// along the way persist in the client's jar for subsequent requests.
func (c *Client) Login(ctx context.Context, loginURL, username, password string, opts *LoginOptions) error {
	if opts == nil {
		opts = &LoginOptions{}
	}
	usernameField := opts.UsernameField
	if usernameField == "" {
		usernameField = "username"
	}
	passwordField := opts.PasswordField
	if passwordField == "" {
		passwordField = "password"
	}

	// One UA for the whole handshake; the token fetch and the credential
	// POST must look like the same browser.
	ua := c.sessionUserAgent()

	page, err := c.Get(ctx, loginURL, &interfaces.FetchOptions{UserAgent: ua})
	if err != nil {
		return fmt.Errorf("failed to fetch login page: %w", err)
	}

	form := url.Values{}
	form.Set(usernameField, username)
	form.Set(passwordField, password)
	for k, v := range opts.ExtraFields {
		form.Set(k, v)
	}

	if name, token := findCSRFToken(page.Body); name != "" {
		form.Set(name, token)
		c.logger.Debug().Str("field", name).Msg("CSRF token found on login page")
	}

	resp, err := c.PostForm(ctx, loginURL, form, &interfaces.FetchOptions{Referer: loginURL, UserAgent: ua})
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}

	if opts.SuccessPredicate != nil {
		if !opts.SuccessPredicate(resp) {
			return fmt.Errorf("login rejected: %w", common.ErrInvalidInput)
		}
		c.logger.Info().Str("url", loginURL).Msg("Login succeeded")
		return nil
	}

	body := strings.ToLower(string(resp.Body))
	for _, marker := range loginFailureMarkers {
		if strings.Contains(body, marker) {
			return fmt.Errorf("login response contains failure marker %q: %w", marker, common.ErrInvalidInput)
		}
	}

	c.logger.Info().Str("url", loginURL).Msg("Login succeeded")
	return nil
}

// findCSRFToken scans hidden inputs by known field name, then falls back
// to csrf-ish meta tags. Returns the form field name and token value.
func findCSRFToken(html []byte) (string, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return "", ""
	}

	for _, name := range csrfFieldNames {
		sel := doc.Find(fmt.Sprintf("input[name=%q], input[id=%q]", name, name))
		if sel.Length() > 0 {
			if val, ok := sel.First().Attr("value"); ok && val != "" {
				return name, val
			}
		}
	}

	var metaName, metaToken string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		if !strings.Contains(strings.ToLower(name), "csrf") {
			return true
		}
		if content, ok := s.Attr("content"); ok && content != "" {
			metaName, metaToken = "csrf_token", content
			return false
		}
		return true
	})

	return metaName, metaToken
}
