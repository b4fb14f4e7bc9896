// Package gateway serves the coven-threads HTTP API.
//
// # Overview
//
// The Gateway wires the agent registry, the conversation service and the
// thread manager behind a chi router:
//
//	gw, err := gateway.New(cfg.Server, gateway.Deps{
//	    Registry:     registry,
//	    Conversation: conv,
//	    Threads:      threads,
//	}, logger)
//	err = gw.Run(ctx)
//
// Run listens on server.http_addr and shuts down gracefully (5s) once ctx
// is canceled.
//
// # HTTP API
//
//	GET    /health                          liveness, always "OK"
//	GET    /health/ready                    503 until an agent is online
//	GET    /api/agents                      agents with status
//	POST   /api/agents                      create agent
//	DELETE /api/agents/{id}                 delete agent
//	GET    /api/threads                     threads, newest first
//	POST   /api/threads                     create thread
//	GET    /api/threads/{id}                one thread
//	PATCH  /api/threads/{id}                rename and/or switch agent
//	DELETE /api/threads/{id}                delete thread and its messages
//	GET    /api/threads/{id}/messages       load transcript
//	POST   /api/threads/{id}/messages       send a message
//	DELETE /api/threads/{id}/messages       clear messages
//	GET    /api/threads/{id}/events         WebSocket event feed
//	GET    /api/threads/{id}/export         markdown or html export
//
// Errors are JSON objects of the form {"error": "..."}.
//
// # Sending
//
// A send answers a SendMessageResponse as JSON. With
// "Accept: text/event-stream" it instead streams the thread's transcript
// events (message_added, message_replaced, typing) as SSE and finishes with
// a "done" event carrying the same response.
//
// An Idempotency-Key header makes a send safe to retry: a repeated key
// replays the stored response, and a key whose send is still running
// answers 409.
//
// # Events
//
// The events socket first sends a "snapshot" frame with the visible
// transcript, then one JSON frame per transcript event until either side
// closes.
package gateway
