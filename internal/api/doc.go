// Package api implements the HTTP surface of the chat server.
//
// One operational endpoint, POST /api/chat, accepts a user message or a full
// turn list and answers with a Server-Sent Events stream of frames produced
// by the stream package. Precondition failures (malformed body, missing
// upstream credential) are reported as JSON errors before streaming starts;
// once the SSE response has begun, upstream failures travel in-band as error
// frames.
//
// The middleware stack, outermost first: recovery, request id, logging, CORS,
// per-IP rate limiting. Health probes bypass the stack.
package api
