// Package janus drives publisher negotiations against a Janus VideoRoom
// gateway over its HTTP long-poll transport.
//
// Overview
//
// Janus does not answer an offer inline. A negotiation therefore runs as a
// small state machine owned by one Engine:
//
//   UNINITIALIZED -> SESSION_CREATED -> HANDLE_ATTACHED -> OFFER_SENT -> ANSWER_RECEIVED
//
// Any step may move the engine to FAILED, which is absorbing. ANSWER_RECEIVED
// is the only state from which RTP forwarding can be configured.
//
// Wire Flow
//
//   - Connect:
//       POST {"janus":"create"} to the base URL, then
//       POST {"janus":"attach","plugin":"janus.plugin.videoroom"} to
//       <base>/<session>. Both must answer {"janus":"success"} inline.
//
//   - Negotiate:
//       POST a joinandconfigure message carrying the offer as jsep to
//       <base>/<session>/<handle>. Janus replies {"janus":"ack"} inline and
//       delivers the answer later as an event on the session poll endpoint
//       GET <base>/<session>?maxev=1&rid=<ms>.
//
//   - Forward:
//       POST an rtp_forward request pointing the publisher's media at local
//       UDP ports. The reply is not inspected beyond the HTTP exchange.
//
// Polling
//
// The poll loop is bounded by Config.PollAttempts. Each attempt has its own
// timeout (Config.PollTimeout) and every non-matching attempt is followed by
// Config.PollInterval of sleep. Transport errors count as a failed attempt.
// The caller's context aborts the loop at any point. With the defaults the
// loop gives up after 30 attempts, which is about 15s against a gateway that
// answers every poll immediately and at most 75s against one that never
// answers.
//
// Concurrency
//
// Engines are not shared between requests. Each HTTP request that negotiates
// a stream creates, owns and disposes its own Engine.
package janus
