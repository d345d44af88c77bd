package fabric

// Per-call channel kinds.
const (
	ChannelTranscript = "transcript"
	ChannelMedia      = "media"
	ChannelSummary    = "summary"
	ChannelCommands   = "commands"
)

// CallChannel returns the pub/sub channel of the given kind for a call.
func CallChannel(callID, kind string) string {
	return "call:" + callID + ":" + kind
}

// SessionKey is the cache key holding a call's session blob.
func SessionKey(callID string) string {
	return "call:" + callID + ":session"
}

// MediaHeaderKey is the cache key holding a call's media stream header.
func MediaHeaderKey(callID string) string {
	return "call:" + callID + ":media_header"
}
