// Package mqtt connects the orchestrator to the Sydpower cloud broker.
//
// Devices publish their responses to an EMQX broker reachable over
// MQTT-over-WebSocket (ws://host:8083/mqtt). This package wraps
// paho.mqtt.golang behind the orchestrator's Transport and Stream
// interfaces:
//
//   - Transport.Dial checks the endpoint is reachable and prepares a client.
//   - Stream.Handshake connects with the session token as username and the
//     fixed broker password. A refused CONNECT maps to
//     orchestrator.ErrAuthRejected.
//   - Stream.Subscribe and Stream.Publish wait on paho tokens bounded by
//     the caller's context.
//   - Inbound messages are queued on Messages(); the channel closes when
//     the connection is lost.
//
// paho's own auto-reconnect is disabled. Reconnection, backoff and
// resubscription belong to the orchestrator, which dials a fresh Stream
// for every attempt.
//
// # Topics
//
// Topics builds the device topic scheme:
//
//	<mac>/client/request/data           commands and polls (published)
//	<mac>/device/response/client/04     realtime (input) register window
//	<mac>/device/response/client/data   settings (holding) register window
//	<mac>/device/response/state         write acknowledgements
package mqtt
