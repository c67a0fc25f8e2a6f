// Package mqtt is the broker transport for emonremote. It wraps Eclipse
// Paho v2's [autopaho] connection manager so the feed poller and the
// request relay can subscribe, publish, and receive messages without
// depending on Paho types.
//
// autopaho owns reconnection: after any drop it redials in the
// background and fires the handler's OnUp again, at which point callers
// re-subscribe (sessions use clean start, so the broker forgets
// subscriptions across connections). Inbound messages pass through a
// rate limiter before reaching the handler so a misbehaving publisher
// cannot flood a viewer.
//
// Request/response correlation uses MQTT v5 correlation data and
// response-topic properties, which are surfaced on [Message].
package mqtt
