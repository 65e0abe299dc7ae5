// Package audio holds the capture-side audio types: PCM frames, the
// append-only utterance buffer, and the canonical PCM-16 WAV encoder and
// decoder used to package an utterance for upload.
package audio
