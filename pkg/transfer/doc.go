// Package transfer moves a finished session directory from a Spoke to the
// Hub's receiver.
//
// A transfer is one TCP connection: a single JSON header line, then the
// session directory as a compressed tar stream until the sender half-closes
// the connection. The receiver stores the archive under its session folder,
// records it in metadata.json, and answers with one JSON line.
//
// Every archived file carries a BLAKE3 digest in its PAX records so the
// receiver can verify contents when it extracts.
package transfer
