// Package bridge couples the Janus negotiation engine with the HLS pipeline
// supervisor.
//
// The Orchestrator owns the session registry: one entry per stream key holding
// the engine identifiers, the forwarding ports and the running pipeline. Start
// and stop are sequenced so a failure at any step releases everything acquired
// before it. Session records are persisted through a SessionStore and, when
// Redis is configured, mirrored into a hash for other instances to inspect.
package bridge
