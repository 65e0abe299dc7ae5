// Package convo drives voice conversations with the server.
//
// A turn captures one utterance, encodes it as WAV, posts it and handles
// the reply while it streams: the JSON part is parsed for the transcript and
// the assistant's text, and audio parts are forwarded to playback sinks as
// they are demultiplexed. Run wraps turns in a line-oriented command loop.
package convo
