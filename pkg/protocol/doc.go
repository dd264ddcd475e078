// Package protocol implements the Hub-Spoke wire protocol.
//
// Messages are JSON objects carried over a duplex byte stream in one of two
// framings, chosen per message by the first line:
//
//	27\n{"v":1,"type":"cmd",...}     length-prefixed (preferred)
//	{"id":3,"command":"flash_sync"}\n  newline-delimited (legacy)
//
// A Spoke runs a [Server]: one goroutine per accepted connection reads
// commands in order, routes them through a [Dispatcher] and writes exactly one
// reply per command. Version 1 peers get typed envelopes ("ack", "error");
// version 0 peers get a flat "status". The Hub side uses a [Client], which
// matches replies to calls by id and hands everything else to a callback.
//
// Broadcast pushes unsolicited events to every connected peer; a peer whose
// write fails is dropped from the set without affecting the others.
package protocol
