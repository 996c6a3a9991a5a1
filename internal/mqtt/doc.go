// Package mqtt bridges a running steploop process to an MQTT broker.
//
// Outbound, every event on the in-process bus is published as JSON to
// steploop/<device>/events/<kind> so dashboards and other agents can
// follow task progress. Inbound, the bridge subscribes to
// steploop/<device>/stop/+ and turns a "stop" or "clear" payload into
// a Set or Clear on the stop signal registry for the session named by
// the last topic level.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package.
// On every (re-)connect the bridge publishes a retained info payload,
// a birth message ("online") to the availability topic, and
// re-subscribes to the stop filter. A will message moves the
// availability topic to "offline" on unexpected disconnects.
package mqtt
