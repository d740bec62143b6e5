package txn

import (
	"crank_go/internal/domain"
)

// Builder turns batches into signed consume-events transactions.
type Builder struct {
	program domain.Address
	payer   Signer
	relay   *Relay
}

// NewBuilder creates a builder for the dex program. relay may be nil.
func NewBuilder(program domain.Address, payer Signer, relay *Relay) *Builder {
	return &Builder{program: program, payer: payer, relay: relay}
}

// Payer returns the fee payer address.
func (b *Builder) Payer() domain.Address {
	return b.payer.PublicKey()
}

// Build returns the signed wire transaction and its signature.
func (b *Builder) Build(m domain.Market, batch domain.Batch, blockhash domain.Blockhash) ([]byte, domain.Signature, error) {
	payer := b.payer.PublicKey()
	ix := ConsumeEvents(b.program, m, batch, payer)
	if b.relay != nil {
		ix = b.relay.Wrap(ix, m.EventQueue, payer)
	}

	msg, err := Compile(payer, blockhash, ix)
	if err != nil {
		return nil, domain.Signature{}, err
	}
	tx, err := Sign(msg, b.payer)
	if err != nil {
		return nil, domain.Signature{}, err
	}
	raw, err := tx.Marshal()
	if err != nil {
		return nil, domain.Signature{}, err
	}
	return raw, tx.Signature(), nil
}
