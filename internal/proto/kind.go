// Package proto is MonoMux's message catalog: the stable numeric Kind
// enum and the typed request/response structs exchanged across the
// control protocol, each encoded over internal/wire's Fields payload
// format.
package proto

// Kind is the stable numeric message-kind enum carried in every wire
// frame's 2-byte kind field.
type Kind uint16

const (
	KindClientIDRequest Kind = iota + 1
	KindClientIDResponse
	KindDataSocketRequest
	KindAck
	KindSessionListRequest
	KindSessionListResponse
	KindMakeSessionRequest
	KindMakeSessionResponse
	KindAttachRequest
	KindAttachResponse
	KindDetachRequest
	KindDetachNotification
	KindSignalRequest
	KindResizeRequest
	KindKeepaliveRequest
	KindKeepaliveResponse
	KindStatisticsRequest
	KindStatisticsResponse
	KindDisconnectNotification
	KindKickNotification
	KindSessionExitNotification
	KindServerShutdownNotification
	KindHistory
)

var kindNames = map[Kind]string{
	KindClientIDRequest:            "ClientIDRequest",
	KindClientIDResponse:           "ClientIDResponse",
	KindDataSocketRequest:          "DataSocketRequest",
	KindAck:                        "Ack",
	KindSessionListRequest:         "SessionListRequest",
	KindSessionListResponse:        "SessionListResponse",
	KindMakeSessionRequest:         "MakeSessionRequest",
	KindMakeSessionResponse:        "MakeSessionResponse",
	KindAttachRequest:              "AttachRequest",
	KindAttachResponse:             "AttachResponse",
	KindDetachRequest:              "DetachRequest",
	KindDetachNotification:         "DetachNotification",
	KindSignalRequest:              "SignalRequest",
	KindResizeRequest:              "ResizeRequest",
	KindKeepaliveRequest:           "KeepaliveRequest",
	KindKeepaliveResponse:          "KeepaliveResponse",
	KindStatisticsRequest:          "StatisticsRequest",
	KindStatisticsResponse:         "StatisticsResponse",
	KindDisconnectNotification:     "DisconnectNotification",
	KindKickNotification:           "KickNotification",
	KindSessionExitNotification:    "SessionExitNotification",
	KindServerShutdownNotification: "ServerShutdownNotification",
	KindHistory:                    "History",
}

// String renders the message's logical name, or "Unknown" for an
// unrecognized kind — dispatch must tolerate and log those, never
// reject the frame outright.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}
