package rfcshared

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/xiqingping/rfc"
)

// Peer is the per-attachment Communicator wrapper on the host side, the
// SharedWorker analogue of rfcws.Acceptor.
type Peer struct {
	id        uuid.UUID
	host      *Host
	conn      interface{ Close() error }
	transport *sockTransport
	comm      *rfc.Communicator
}

// ID returns the peer's correlation id, assigned when it attached.
func (p *Peer) ID() uuid.UUID { return p.id }

// Accept installs provider as this peer's root, confirms the attachment,
// transitions to OPEN and starts its read loop.
func (p *Peer) Accept(provider any) (*rfc.Communicator, error) {
	if err := p.comm.SetProvider(provider); err != nil {
		return nil, err
	}
	if err := p.transport.writeLine([]byte(`{}`)); err != nil {
		p.conn.Close()
		return nil, err
	}
	if err := p.comm.MarkOpen(); err != nil {
		p.conn.Close()
		return nil, err
	}
	go p.transport.runReadLoop()
	p.host.log.Debug().Str("host_id", p.host.id.String()).Str("peer_id", p.id.String()).Msg("rfcshared: peer open")
	return p.comm, nil
}

// Reject refuses the attachment and closes the underlying connection.
func (p *Peer) Reject(reason string) error {
	defer p.host.forgetPeer(p)
	p.host.log.Debug().Str("host_id", p.host.id.String()).Str("peer_id", p.id.String()).Str("reason", reason).Msg("rfcshared: peer rejected")
	_ = p.transport.writeLine([]byte(`{"error":"` + reason + `"}`))
	return p.conn.Close()
}

// Header re-decodes the raw attachment header into v.
func (p *Peer) Header(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
