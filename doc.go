// # Realtime voice engine for the Stamp Atlas catalog assistant
//
// This module holds the duplex, low-latency voice session between a user and
// the remote conversational service: WebRTC transport negotiation, the JSON
// control-channel protocol, streamed transcript assembly, and the tool-call
// round trip that lets the model search the stamp database mid-turn. The
// chat/ package carries the text entry point with its request-deduplication
// and conversation-continuity store.
package voicekit
