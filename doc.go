// Package boxproxy implements a transparent TCP interception proxy that
// sits between a smart-home energy controller ("the BOX") and its vendor
// cloud.
//
// The proxy terminates the BOX's TCP connection, decodes the proprietary
// XML-over-TCP frame protocol (see [Frame] and [Decoder]), and relays
// frames to a single upstream [CloudSession]. When the cloud is slow or
// unreachable, a [Synthesizer] builds protocol-correct local replies so
// the BOX never sees its connection stall, while a [Queue] durably
// buffers BOX-origin frames for later delivery.
//
// The mode [Engine] decides, for every frame the BOX sends, whether it is
// forwarded to the cloud, answered locally, or both, and drives the
// ONLINE/OFFLINE/HYBRID/REPLAY state machine described in its own
// documentation. A [Handler] ties codec, mode engine, cloud session and
// queue together for one accepted BOX connection; a [Supervisor] accepts
// BOX connections and owns the shared singletons.
//
// Parsed frames are fanned out to a [Publisher] (normally an MQTT bridge,
// out of scope for this package) and outbound settings arrive through a
// [ControlSource] and are tracked by a [ControlPipeline] until the BOX
// acknowledges or rejects them.
package boxproxy
