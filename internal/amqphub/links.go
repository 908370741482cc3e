package amqphub

import "sync/atomic"

// linkIDGenerator hands out link identifiers unique within a connection
// scope. Every attach draws a fresh identifier, including the re-attach
// that follows a recovery; an identifier is not carried over to the
// rebuilt link.
type linkIDGenerator struct {
	next uint32
}

func (g *linkIDGenerator) nextID() uint32 {
	return atomic.AddUint32(&g.next, 1)
}

// Claim enumerates the CBS claims a link can request.
type Claim string

const (
	ClaimSend   Claim = "send"
	ClaimListen Claim = "listen"
	ClaimManage Claim = "manage"
)
