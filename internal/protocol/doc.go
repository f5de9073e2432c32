// Package protocol defines the private wire contract between a parent mirror
// and its worker child.
//
// Every message is a single JSON line wrapped in a Message envelope. The
// parent sends one init right after spawn, then any number of calls, each
// answered by exactly one result, strictly alternating. A shutdown message may
// be sent at any time and is never answered.
//
// Results are envelopes: status=ok carries the raw returned value, status=error
// carries a message and a code so the parent can re-raise the failure.
package protocol
