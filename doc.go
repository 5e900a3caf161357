// Package telemetry is the root of the telemetry streaming agent: a
// long-lived process that polls device management APIs, ingests
// unsolicited event streams on listening sockets, normalizes everything
// into a uniform record shape and fans records out to configured
// consumers.
//
// # Architecture
//
//	┌───────────────────────────────────┐
//	│          Config Worker            │  declaration validate/expand,
//	│   (resolver, events, storage)     │  serialized applies
//	└───────────────────────────────────┘
//	            ↓ change events
//	┌───────────────────────────────────┐
//	│            Reconciler             │  diff by id + structural hash,
//	│             (agent)               │  keep / update / restart / remove
//	└───────────────────────────────────┘
//	            ↓ owns
//	┌───────────────────────────────────┐
//	│  Receivers → Listeners → Pipeline │  data plane: framing, parsing,
//	│  Pollers ───────────────↗         │  actions, routing
//	└───────────────────────────────────┘
//	            ↓ fan-out
//	┌───────────────────────────────────┐
//	│        Consumer Registry          │  per-consumer isolation,
//	│   (push adapters, pull render)    │  ordered dispatch queues
//	└───────────────────────────────────┘
//
// Control plane errors surface to the caller; data plane workers log and
// continue. Secrets stay cipher text everywhere except the in-memory
// config of an active consumer or poller.
package telemetry
