// Package demux recovers JSON metadata and binary audio parts from
// multipart/mixed response bodies.
//
// Two framings are supported behind one entry point. Length-framed
// streaming reads each part's headers and exactly content-length bytes of
// body straight off the transport, so an audio sink reading the part body
// applies backpressure to the connection. Whole-buffer split reads the body
// into memory and cuts it on the boundary delimiter, for producers that omit
// content-length. In auto mode the first part decides.
//
// Only a missing boundary or an unreadable first part is an error. Anything
// that goes wrong later ends decoding and is reported in Stats; parts that
// were already delivered stay delivered.
package demux
