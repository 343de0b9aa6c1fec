// Package forum is the HTTP client for the forum farm: login, the per-site
// AJAX module endpoint, thread downloads, private messages and config page
// administration.
package forum

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"forum-notifier/pkg/notifier"
)

// RestrictedInboxError indicates a user whose inbox does not accept
// messages from non-contacts. Delivery to them is skipped, not failed.
type RestrictedInboxError struct {
	UserID string
}

func (e *RestrictedInboxError) Error() string {
	return fmt.Sprintf("user %s has a restricted inbox", e.UserID)
}

// IsRestrictedInbox checks if an error is a restricted inbox rejection.
func IsRestrictedInbox(err error) bool {
	var restricted *RestrictedInboxError
	return errors.As(err, &restricted)
}

// ModuleError is a non-ok response from the module endpoint.
type ModuleError struct {
	Status  string
	Message string
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module returned status %q: %s", e.Status, e.Message)
}

// Client talks to the forum farm. One client serves every site on the farm,
// sharing a single authenticated session.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	domain string
	token  string
}

// New creates a client for the farm at the given apex domain, e.g.
// "example.com" for sites at "<site>.example.com".
func New(domain string, client *http.Client, logger *slog.Logger) (*Client, error) {
	if client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		client = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	return &Client{
		http:   client,
		logger: logger,
		domain: domain,
		token:  hex.EncodeToString(buf),
	}, nil
}

// siteURL returns the base URL for one site. Insecure sites only work over
// plain HTTP.
func (c *Client) siteURL(site notifier.Site) string {
	scheme := "http"
	if site.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.%s", scheme, site.ID, c.domain)
}

func (c *Client) portalURL() string {
	return "https://" + c.domain
}

// Login authenticates the shared session against the farm portal. Must be
// called before any module that writes or reads private data.
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{
		"login":    {username},
		"password": {password},
		"welcome":  {"1"},
	}

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.portalURL()+"/auth/login", strings.NewReader(form.Encode()))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create login request: %w", err))
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("post login: %w", err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close login response body", "error", closeErr)
				}
			}()

			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return retry.Unrecoverable(fmt.Errorf("login rejected with status %d", resp.StatusCode))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("login returned status %d", resp.StatusCode)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying login after error", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("login as %s: %w", username, err)
	}

	c.logger.Info("Logged in to forum", "username", username)
	return nil
}

type moduleResponse struct {
	Status  string `json:"status"`
	Body    string `json:"body"`
	Message string `json:"message"`
}

// moduleCall POSTs to a site's AJAX module endpoint and returns the HTML
// body of an ok response as a parsed document. Non-ok statuses come back as
// a *ModuleError and are not retried.
func (c *Client) moduleCall(ctx context.Context, endpoint, module string, params url.Values) (*goquery.Document, error) {
	form := url.Values{}
	for k, vs := range params {
		form[k] = vs
	}
	form.Set("moduleName", module)
	form.Set("token", c.token)

	var doc *goquery.Document
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				endpoint+"/ajax-module-connector.php", strings.NewReader(form.Encode()))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create module request: %w", err))
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.AddCookie(&http.Cookie{Name: "session_token", Value: c.token})

			start := time.Now()
			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("post module call: %w", err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close module response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Module call completed",
				"module", module,
				"endpoint", endpoint,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("module endpoint returned status %d", resp.StatusCode)
			}

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read module response: %w", err)
			}

			var mr moduleResponse
			if err := json.Unmarshal(data, &mr); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode module response: %w", err))
			}
			if mr.Status != "ok" {
				return retry.Unrecoverable(&ModuleError{Status: mr.Status, Message: mr.Message})
			}

			doc, err = goquery.NewDocumentFromReader(strings.NewReader(mr.Body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("parse module body: %w", err))
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying module call after error",
				"attempt", n, "module", module, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", module, err)
	}
	return doc, nil
}

// pagerPages reads "Page X of Y" pagination out of a module body. Returns
// 1 when the body has no pager.
func pagerPages(doc *goquery.Document) int {
	state := strings.TrimSpace(doc.Find("span.pager-state").First().Text())
	if state == "" {
		return 1
	}
	var curr, last int
	if _, err := fmt.Sscanf(state, "Page %d of %d", &curr, &last); err != nil || last < 1 {
		return 1
	}
	return last
}
