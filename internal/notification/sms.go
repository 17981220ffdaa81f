package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Sender delivers a single SMS and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// invisibleRe strips zero-width and directional marks that leak into phone
// numbers copied from chat apps.
var invisibleRe = regexp.MustCompile("[\u202A\u202B\u202C\u202D\u202E\u200B\u200C\u200D\uFEFF\u00A0]")

var nonDialRe = regexp.MustCompile(`[^\d+]`)

// NormalizePhone converts a stored contact number to international format.
// Numbers without a country code are assumed to be Indian, matching the
// deployment region of the device fleet.
func NormalizePhone(phone string) (string, error) {
	p := invisibleRe.ReplaceAllString(phone, "")
	p = nonDialRe.ReplaceAllString(p, "")
	if p == "" || p == "+" {
		return "", fmt.Errorf("phone number %q has no dialable digits", phone)
	}

	switch {
	case strings.HasPrefix(p, "91") && !strings.HasPrefix(p, "+91"):
		p = "+91" + p[2:]
	case strings.HasPrefix(p, "0"):
		p = "+91" + p[1:]
	case len(p) == 10 && p[0] >= '6' && p[0] <= '9':
		p = "+91" + p
	case !strings.HasPrefix(p, "+"):
		p = "+" + p
	}

	if len(p) < 8 {
		return "", fmt.Errorf("phone number %q is too short after normalization", phone)
	}
	return p, nil
}

// TwilioSender is the production Sender, posting to the Twilio REST API.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
}

// NewTwilioSender creates a sender with the given account credentials.
func NewTwilioSender(accountSID, authToken, from string) *TwilioSender {
	return &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    "https://api.twilio.com",
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Send posts one message. Twilio answers 201 with a message sid on success.
func (t *TwilioSender) Send(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		SID     string `json:"sid"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("unexpected response from sms provider: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, parsed.Message)
	}
	return parsed.SID, nil
}
