// Package mqtt publishes Home Assistant MQTT discovery messages and
// periodic sensor state updates so the tutor shows up as a native HA
// device with availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity and a birth message ("online") to the
// availability topic. A will message flips the availability topic to
// "offline" on unexpected disconnects.
package mqtt
