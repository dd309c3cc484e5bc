// Package sentry provides data scrubbing for Sentry events so credentials
// never reach the error tracking service.
package sentry

import (
	"github.com/getsentry/sentry-go"
)

// sensitiveHeaders are HTTP headers redacted from Sentry events.
var sensitiveHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Set-Cookie":    true,
}

// sensitiveKeys are field names that may hold credentials in tags or
// breadcrumb metadata.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"access_token":  true,
	"publisher_key": true,
	"secret":        true,
	"authorization": true,
	"cookie":        true,
}

// ScrubEvent removes sensitive data from a Sentry event before it is sent.
// It redacts sensitive headers, strips request bodies and query strings (the
// gateway carries its token as a query parameter), and scrubs tags and
// breadcrumbs. Intended as a BeforeSend hook.
func ScrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil {
		return nil
	}

	if event.Request != nil {
		for header := range event.Request.Headers {
			if sensitiveHeaders[header] {
				event.Request.Headers[header] = "[redacted]"
			}
		}
		event.Request.Data = ""
		event.Request.QueryString = ""
	}

	for key := range event.Tags {
		if sensitiveKeys[key] {
			event.Tags[key] = "[redacted]"
		}
	}

	for key := range event.Extra {
		if sensitiveKeys[key] {
			event.Extra[key] = "[redacted]"
		}
	}

	for i := range event.Breadcrumbs {
		for key := range event.Breadcrumbs[i].Data {
			if sensitiveKeys[key] {
				event.Breadcrumbs[i].Data[key] = "[redacted]"
			}
		}
	}

	return event
}
