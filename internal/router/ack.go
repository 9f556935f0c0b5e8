package router

import "sync"

// RejectedResponse is the fixed value sent back for a confirmation or input
// request when no responder surface is installed.
var RejectedResponse = map[string]any{"confirmed": false}

// Ack answers a confirmation or input request exactly once. Extra calls are
// dropped, so a user response racing the automatic rejection cannot double
// acknowledge.
type Ack struct {
	once sync.Once
	send func(any)
}

// NewAck wraps the transport send function for one request.
func NewAck(send func(any)) *Ack {
	return &Ack{send: send}
}

// Respond delivers the response value. Only the first call has effect.
func (a *Ack) Respond(value any) {
	a.once.Do(func() {
		if a.send != nil {
			a.send(value)
		}
	})
}

// Reject delivers the fixed rejection value. Only the first call has effect.
func (a *Ack) Reject() {
	a.Respond(RejectedResponse)
}
