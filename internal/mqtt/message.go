package mqtt

// Message is a publish travelling in either direction.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	// CorrelationData ties a response to the request that caused it.
	CorrelationData []byte
	// ResponseTopic is where the requester expects the reply.
	ResponseTopic string
}

// ConnectOptions identifies the client to the broker.
type ConnectOptions struct {
	ClientID string
	Username string
	Password string
}

// Handler receives connection lifecycle and inbound message callbacks.
// Callbacks run on Paho goroutines; implementations must be safe for
// concurrent use and should hand work off rather than block.
type Handler interface {
	// OnUp is called after every successful (re-)connect.
	OnUp()
	// OnDown is called when the connection is lost.
	OnDown(err error)
	// OnMessage is called for each inbound publish that passed the rate
	// limiter.
	OnMessage(msg Message)
}

// HandlerFuncs adapts plain functions to [Handler]. Nil fields are
// skipped.
type HandlerFuncs struct {
	Up      func()
	Down    func(err error)
	Message func(msg Message)
}

// OnUp implements [Handler].
func (h HandlerFuncs) OnUp() {
	if h.Up != nil {
		h.Up()
	}
}

// OnDown implements [Handler].
func (h HandlerFuncs) OnDown(err error) {
	if h.Down != nil {
		h.Down(err)
	}
}

// OnMessage implements [Handler].
func (h HandlerFuncs) OnMessage(msg Message) {
	if h.Message != nil {
		h.Message(msg)
	}
}
