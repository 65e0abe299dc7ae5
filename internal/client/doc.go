// Package client implements the HTTP client for the voice server.
// It posts recorded audio and typed messages, fetches synthesized speech,
// retries server errors with exponential backoff, and limits concurrency.
// Audio replies are returned as open responses so callers can demultiplex
// and play them while they stream.
package client
