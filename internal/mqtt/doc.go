// Package mqtt publishes the cube's operational status to Home Assistant
// via MQTT discovery. The cube shows up as a native HA device with
// availability tracking: a will message flips the availability topic to
// "offline" if the process dies, and every (re-)connect republishes
// retained discovery configs plus an "online" birth message.
//
// Connection management uses Eclipse Paho v2's [autopaho] package, which
// reconnects automatically in the background.
package mqtt
