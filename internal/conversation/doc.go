// Package conversation runs the send protocol and owns each thread's
// visible transcript.
//
// # Service
//
// The Service glues the store and the reply strategies together:
//
//	svc := conversation.New(backend, router, broadcaster, logger)
//	res, err := svc.Send(ctx, conversation.SendRequest{Thread: t, Agent: a, Text: "hi"})
//
// A send proceeds in a fixed order:
//
//  1. The user message is inserted and appended to the transcript. If the
//     store returns nothing, a locally built echo is appended instead.
//  2. Typing is set and a placeholder agent message ("Thinking…") is
//     appended.
//  3. The agent's Replier produces the reply. Streaming progress replaces
//     the placeholder in place, keeping its id.
//  4. On success the reply is persisted and replaces the placeholder. On
//     failure a synthetic "Error: ..." message replaces it and nothing is
//     persisted.
//  5. Typing is cleared on every path.
//
// The placeholder id is never present in the transcript after Send returns.
// Send does not serialize concurrent sends on one thread; callers keep
// input disabled while Typing is true.
//
// # Threads
//
// Threads manages thread rows: create ("New chat", default agent, fresh
// session id), list newest first, rename, switch agent, and delete. Delete
// removes the thread's messages before the thread row.
//
// # Event Broadcasting
//
// Every transcript change is published on the EventBroadcaster keyed by
// thread id:
//
//   - message_added
//   - message_replaced (carries replaced_id)
//   - messages_cleared
//   - typing
//
// Subscribers receive events on a buffered channel; slow subscribers drop
// events rather than block a send.
package conversation
