// Package txn builds, signs and encodes consume-events transactions.
package txn

import (
	"encoding/binary"

	"crank_go/internal/domain"
)

// AccountMeta is one account reference of an instruction.
type AccountMeta struct {
	Address  domain.Address
	Signer   bool
	Writable bool
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID domain.Address
	Accounts  []AccountMeta
	Data      []byte
}

const (
	dexVersion          = 0
	consumeEventsTag    = 3
	consumeEventsDataSz = 1 + 4 + 2
)

// TokenProgramID is the SPL token program.
var TokenProgramID = domain.MustParseAddress("TokenkegQfeZyiNwAJbNbGV2gY2Gtp4M4y3H1g1Vk7r")

// ConsumeEvents builds the dex instruction consuming exactly the given batch:
// owners (writable), market, event queue and the two fee receivables.
func ConsumeEvents(program domain.Address, m domain.Market, b domain.Batch, feeDefault domain.Address) Instruction {
	accounts := make([]AccountMeta, 0, len(b.Owners)+4)
	for _, owner := range b.Owners {
		accounts = append(accounts, AccountMeta{Address: owner, Writable: true})
	}
	baseFee, quoteFee := m.BaseFeeReceivable, m.QuoteFeeReceivable
	if baseFee.IsZero() {
		baseFee = feeDefault
	}
	if quoteFee.IsZero() {
		quoteFee = feeDefault
	}
	accounts = append(accounts,
		AccountMeta{Address: m.Address, Writable: true},
		AccountMeta{Address: m.EventQueue, Writable: true},
		AccountMeta{Address: baseFee, Writable: true},
		AccountMeta{Address: quoteFee, Writable: true},
	)

	data := make([]byte, consumeEventsDataSz)
	data[0] = dexVersion
	binary.LittleEndian.PutUint32(data[1:5], consumeEventsTag)
	binary.LittleEndian.PutUint16(data[5:7], uint16(b.Len()))

	return Instruction{ProgramID: program, Accounts: accounts, Data: data}
}

// ConsumeLimit extracts the event limit from consume-events instruction data.
func ConsumeLimit(data []byte) (uint16, bool) {
	if len(data) != consumeEventsDataSz || data[0] != dexVersion ||
		binary.LittleEndian.Uint32(data[1:5]) != consumeEventsTag {
		return 0, false
	}
	return binary.LittleEndian.Uint16(data[5:7]), true
}

// Relay describes the rewards program accounts used to wrap consume-events
// in a crank-relay instruction, which pays the crank operator.
type Relay struct {
	Program        domain.Address
	Instance       domain.Address
	Vault          domain.Address
	VaultAuthority domain.Address
	Registrar      domain.Address
	TokenAccount   domain.Address
	Entity         domain.Address
}

const crankRelayVariant = 1

// Wrap embeds the consume-events instruction inner in a crank-relay
// instruction signed by leader.
func (r Relay) Wrap(inner Instruction, eventQueue, leader domain.Address) Instruction {
	accounts := []AccountMeta{
		{Address: r.Instance},
		{Address: r.Vault, Writable: true},
		{Address: r.VaultAuthority},
		{Address: r.Registrar},
		{Address: r.TokenAccount, Writable: true},
		{Address: r.Entity},
		{Address: leader, Signer: true},
		{Address: TokenProgramID},
		{Address: inner.ProgramID},
		{Address: eventQueue, Writable: true},
	}
	accounts = append(accounts, inner.Accounts...)

	data := make([]byte, 4+8+len(inner.Data))
	binary.LittleEndian.PutUint32(data[0:4], crankRelayVariant)
	binary.LittleEndian.PutUint64(data[4:12], uint64(len(inner.Data)))
	copy(data[12:], inner.Data)

	return Instruction{ProgramID: r.Program, Accounts: accounts, Data: data}
}

// Unwrap returns the inner instruction data of a crank-relay instruction.
func (r Relay) Unwrap(data []byte) ([]byte, bool) {
	if len(data) < 12 || binary.LittleEndian.Uint32(data[0:4]) != crankRelayVariant {
		return nil, false
	}
	n := binary.LittleEndian.Uint64(data[4:12])
	if uint64(len(data)-12) != n {
		return nil, false
	}
	return data[12:], true
}
