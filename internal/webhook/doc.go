// Package webhook receives push notifications from the git host and refreshes
// the mirror and the pushed branch ahead of the next read.
//
// # Security Model
//
// - HMAC-SHA256 signatures verified with crypto/subtle (constant-time comparison)
// - GitLab-style shared tokens (X-Gitlab-Token) compared in constant time
// - Body size limits enforced
// - Error responses are a generic 403 and never describe the signature
// - Request logging excludes payloads
//
// # Configuration
//
//	webhook:
//	  path: /webhook/push
//	  secret: ${INPERTIO_WEBHOOK_SECRET}
//	  signature_header: X-Hub-Signature-256
//	  max_body_size: 1MB
//
// # Request Flow
//
//  1. Read the body up to max_body_size
//  2. Verify the signature header
//  3. Parse the "ref" field of the push payload
//  4. Queue the branch and reply 202 Accepted
//  5. A worker fetches the mirror and warms the branch checkout
//
// Pushes that arrive while the queue is full are dropped; the request-time
// freshness check picks them up on the next read.
package webhook
