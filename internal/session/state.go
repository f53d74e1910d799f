package session

// State is a step of the negotiation.
type State int

const (
	Idle State = iota
	AwaitingJoinAck
	DeviceReady
	AwaitingSendTransport
	SendTransportReady
	AwaitingRecvTransport
	Ready
	Failed
	Closed
)

var stateNames = [...]string{
	Idle:                  "idle",
	AwaitingJoinAck:       "awaiting-join-ack",
	DeviceReady:           "device-ready",
	AwaitingSendTransport: "awaiting-send-transport",
	SendTransportReady:    "send-transport-ready",
	AwaitingRecvTransport: "awaiting-recv-transport",
	Ready:                 "ready",
	Failed:                "failed",
	Closed:                "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Failed || s == Closed
}
