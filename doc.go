// # Archer Line media bridge
//
// This repository bridges a telephony provider's audio-streaming WebSocket to a voice AI provider's realtime WebSocket for live phone conversations. It converts audio between the two legs, lifts the model's tool invocations off the stream and dispatches them to backend collaborators, and guarantees every call is registered, drained, and finalized exactly once.
package bridge
