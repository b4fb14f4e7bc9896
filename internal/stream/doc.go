// Package stream is the client side of the agent streaming protocol.
//
// One call to Client.Stream opens one WebSocket connection, sends a single
// request frame and folds the reply frames into the final text:
//
//	{"type":"status","status":"processing"}  thinking heartbeat
//	{"type":"chunk","content":"..."}         appended to the reply
//	{"type":"complete"}                      success, connection closed
//
// Any other frame, and anything that is not a JSON object, is ignored.
//
// Each exchange walks a small state machine:
//
//	Idle -> Connecting -> Awaiting -> Streaming -> Completed
//	                  \           \            \-> Failed
//
// The exchange settles exactly once. A dial failure, a failed request
// write, a connection that closes before "complete", and cancellation of
// the caller's context all end in Failed, and the connection is closed on
// every path.
package stream
