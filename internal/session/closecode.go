package session

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// closeReason maps a websocket close code to the label shown in the final
// status line. Classification is display-only; every code takes the same
// cleanup path.
func closeReason(code int) string {
	switch code {
	case websocket.CloseNormalClosure:
		return "normal closure"
	case websocket.CloseAbnormalClosure:
		return "abnormal closure"
	case websocket.CloseProtocolError:
		return "protocol error"
	case websocket.ClosePolicyViolation:
		return "policy violation"
	case websocket.CloseMessageTooBig:
		return "message too large"
	case websocket.CloseInternalServerErr:
		return "server internal error"
	case websocket.CloseTLSHandshake:
		return "handshake failed"
	default:
		return fmt.Sprintf("unknown closure (code %d)", code)
	}
}
