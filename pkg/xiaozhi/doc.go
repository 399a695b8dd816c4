// Package xiaozhi provides the audio/control channel to the XiaoZhi cloud voice service.
//
// A Protocol owns one persistent connection: it dials the service, performs the hello
// handshake, runs a single background reader that dispatches inbound frames to a Listener,
// and exposes text and binary send paths plus channel teardown. Failures never escape the
// channel boundary; they are reported through Listener.OnNetworkError and boolean results.
package xiaozhi
