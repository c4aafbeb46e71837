// Package webhooks delivers audit events to external HTTP endpoints.
//
// A Notifier is an audit.Logger: add it to the audit fan-out and every
// matching event is POSTed as JSON with these headers:
//
//	X-Storyloom-Event:     rbac.role_update
//	X-Storyloom-Delivery:  <uuid>
//	X-Storyloom-Signature: sha256=<hex hmac of the body>
//
// Receivers verify the body with VerifySignature. 5xx, 408, 429 and
// transport errors are retried with exponential backoff; other 4xx
// responses are final.
//
// Deliveries block the caller, so the admin server wraps the notifier in
// an async audit.MultiLogger.
package webhooks
