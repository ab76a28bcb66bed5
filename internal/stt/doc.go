// Package stt talks to the Return Zero streaming speech-to-text service.
//
// It contains the bearer credential cache shared by every session, the
// streaming wire protocol (binary audio frames in, JSON result frames out,
// a textual EOS sentinel) and a batch transcriber that drives a finite file
// through that protocol.
package stt
