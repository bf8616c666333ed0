// Package notifier delivers finished digests.
//
// Delivery is asynchronous: Notify validates and deduplicates a Digest, queues it, and a small
// worker pool hands it to every configured Sender under a shared rate limit with retry and
// backoff. The caller learns the final outcome through the done callback.
//
// # Senders
//
// A Sender is one delivery channel: a directory on disk, a generic JSON webhook, a Slack incoming
// webhook or SMTP email. A retry only re-sends to the senders that failed.
//
// # Dedup
//
// A digest is delivered at most once per target and period end date. Suppression is kept in
// memory and, when enabled, persisted through storage so restarts do not re-send.
package notifier
