// Package capture runs a single capture session: an audio Source (a raw PCM
// reader or an external recorder process) pushes frames through a bounded
// queue to a consumer that either drives the energy VAD gate (auto mode) or
// admits everything until told to stop (manual mode).
//
// The consumer polls the queue with a timeout. A poll that times out while
// recording counts the elapsed wall-clock time as silence, so a stalled
// device still ends the utterance.
package capture
