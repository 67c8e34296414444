package protocol

// Version is the protocol version a client announces and a relay requires.
const Version = "0.2"

// Handshake data keys.
const (
	KeyProtocolVersion  = "protocolVersion"
	KeyClientVersion    = "clientVersion"
	KeySessionQualifier = "sessionQualifier"
	KeyAccountName      = "accountName"
	KeyAuthToken        = "authToken"
	KeyNamespace        = "namespace"

	// Development flags honored by relays that enable them.
	KeySimulateHandshakeFailure       = "simulateHandshakeFailure"
	KeySimulateRefusedConnection      = "simulateRefusedConnection"
	KeySimulateHandshakeResponseDelay = "simulateHandshakeResponseDelay"
)

const (
	DefaultSessionQualifier = "default"
	AnonymousAccount        = "anonymous"

	// NamespaceFieldLength is the significant length of both namespace
	// halves; shorter values are right-padded with NamespacePadding.
	NamespaceFieldLength = 8
	NamespacePadding     = '_'
)
