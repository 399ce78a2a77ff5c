// Package webhook bridges an external chat system to shellbot over signed
// HTTP.
//
// Inbound, the chat system POSTs each chat line as JSON to the configured
// path. The body must carry an HMAC-SHA256 signature over the raw bytes in
// the signature header. Outbound, every reply line is POSTed to reply_url,
// signed the same way with reply_secret.
//
// # Security Model
//
// - HMAC-SHA256 signatures verified using crypto/subtle (constant-time comparison)
// - Body size limits enforced before any parsing
// - No signature details leaked in error responses (always generic 403)
// - Request logging excludes message text
//
// # Configuration
//
//	webhook:
//	  enabled: true
//	  listen: "127.0.0.1:8081"
//	  path: /chat
//	  secret: ${SHELLBOT_WEBHOOK_SECRET}
//	  signature_header: X-Shellbot-Signature
//	  max_body_size: 64KB
//	  reply_url: https://chat.example.com/hooks/shellbot
//	  reply_secret: ${SHELLBOT_REPLY_SECRET}
//
// # Request Flow
//
//  1. HTTP POST arrives at the configured path
//  2. Body size checked (413 if too large)
//  3. Signature verified (403 if missing or wrong)
//  4. JSON decoded into {sender, channel, text, private} (400 if invalid)
//  5. Message handed to the bot
//  6. 202 with invocation_id when a command started, 200 otherwise,
//     503 when the bot rejected the command
//
// Replies are queued and sent by a single goroutine so they reach the chat
// system in the order they were produced.
package webhook
