// Package playback forwards recovered audio to external player programs.
//
// A Sink takes the bytes of one audio part. PipeSink writes them to the
// stdin of a running player through a bounded buffer, so a player that
// decodes slowly pushes back on whoever is writing. FileSink spools to a
// temporary file and plays it once the transfer is complete, for players
// that only read files. When no player is installed the Bridge saves the
// file and logs where it went.
package playback
