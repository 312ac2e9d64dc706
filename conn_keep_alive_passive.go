package sharedws

// ReplyPingWithPong answers every application ping received on conn with a pong. It returns the
// func removing the responder.
func ReplyPingWithPong(conn *SocketConnection) func() {
	return conn.OnPayload(func(p Payload) {
		if p.Kind == PayloadPing {
			conn.Send(PongPayload(conn.scheduler.Now()))
		}
	})
}
