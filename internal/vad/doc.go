// Package vad implements an energy-based voice activity gate. It decides from
// normalized RMS levels alone when a speaker has started and stopped, using
// separate start and stop thresholds (hysteresis) and a hard duration cap.
package vad
