package ipc

import "strings"

// ResponseSuffix is appended to an event channel to form its push channel.
const ResponseSuffix = "::response"

// ResponseChannel returns the channel used to push event data for channel.
func ResponseChannel(channel string) string {
	return channel + ResponseSuffix
}

// IsResponseChannel reports whether channel is a derived response channel.
func IsResponseChannel(channel string) bool {
	return strings.HasSuffix(channel, ResponseSuffix)
}

// EventChannel strips the response suffix, returning the event channel.
func EventChannel(responseChannel string) string {
	return strings.TrimSuffix(responseChannel, ResponseSuffix)
}
