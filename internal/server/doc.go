// Package server holds the HTTP surfaces of the voice client.
//
// StatusServer exposes local monitoring endpoints while the client runs:
// health, conversation statistics, the effective configuration and
// Prometheus metrics. MockVoiceServer answers the voice server's routes with
// canned text and generated tones so the client can be exercised without
// the real backend; its multipart replies can be length-framed or bare.
package server
