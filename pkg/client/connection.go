package client

import (
	"net/http"
	"strings"
	"time"
)

// DefaultRequestTimeout bounds a single HTTP exchange, including the body.
// It must exceed the server's maximum long poll budget or long polls that run
// their full course are reported as client-side timeouts.
const DefaultRequestTimeout = 2 * time.Minute

type ApiConnectionDetails struct {
	TannoyUrl      string
	RequestTimeout time.Duration
	// Credentials for publishing events through the webhook endpoint.
	WebhookSource string
	WebhookSecret string
}

type ConnectionDetails func() *ApiConnectionDetails

// New returns a Client for the server at the given connection details.
func New(details *ApiConnectionDetails) *Client {
	timeout := details.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		baseUrl:       strings.TrimSuffix(details.TannoyUrl, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		webhookSource: details.WebhookSource,
		webhookSecret: details.WebhookSecret,
	}
}
