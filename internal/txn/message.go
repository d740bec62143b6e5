package txn

import (
	"errors"
	"fmt"

	"crank_go/internal/domain"
)

// MaxPacketSize is the largest serialized transaction the network accepts.
const MaxPacketSize = 1232

// Header counts the signer and read-only accounts of a message.
type Header struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index into the message keys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a compiled legacy transaction message.
type Message struct {
	Header          Header
	AccountKeys     []domain.Address
	RecentBlockhash domain.Blockhash
	Instructions    []CompiledInstruction
}

type keyMeta struct {
	signer   bool
	writable bool
	order    int
}

// Compile orders accounts as writable signers, read-only signers, writable
// non-signers, read-only non-signers, with the fee payer first.
func Compile(payer domain.Address, blockhash domain.Blockhash, ixs ...Instruction) (*Message, error) {
	if len(ixs) == 0 {
		return nil, errors.New("no instructions")
	}

	metas := map[domain.Address]*keyMeta{payer: {signer: true, writable: true}}
	order := []domain.Address{payer}
	touch := func(a domain.Address, signer, writable bool) {
		m, ok := metas[a]
		if !ok {
			m = &keyMeta{order: len(order)}
			metas[a] = m
			order = append(order, a)
		}
		m.signer = m.signer || signer
		m.writable = m.writable || writable
	}
	for _, ix := range ixs {
		for _, acc := range ix.Accounts {
			touch(acc.Address, acc.Signer, acc.Writable)
		}
		touch(ix.ProgramID, false, false)
	}

	var groups [4][]domain.Address
	for _, a := range order {
		m := metas[a]
		switch {
		case m.signer && m.writable:
			groups[0] = append(groups[0], a)
		case m.signer:
			groups[1] = append(groups[1], a)
		case m.writable:
			groups[2] = append(groups[2], a)
		default:
			groups[3] = append(groups[3], a)
		}
	}

	keys := make([]domain.Address, 0, len(order))
	for _, g := range groups {
		keys = append(keys, g...)
	}
	if len(keys) > 256 {
		return nil, fmt.Errorf("%d accounts exceed the 256 key limit", len(keys))
	}
	index := make(map[domain.Address]uint8, len(keys))
	for i, k := range keys {
		index[k] = uint8(i)
	}

	msg := &Message{
		Header: Header{
			NumRequiredSignatures:       uint8(len(groups[0]) + len(groups[1])),
			NumReadonlySignedAccounts:   uint8(len(groups[1])),
			NumReadonlyUnsignedAccounts: uint8(len(groups[3])),
		},
		AccountKeys:     keys,
		RecentBlockhash: blockhash,
	}
	for _, ix := range ixs {
		ci := CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			Accounts:       make([]uint8, len(ix.Accounts)),
			Data:           ix.Data,
		}
		for i, acc := range ix.Accounts {
			ci.Accounts[i] = index[acc.Address]
		}
		msg.Instructions = append(msg.Instructions, ci)
	}
	return msg, nil
}

// Signers returns the accounts that must sign, in signature order.
func (m *Message) Signers() []domain.Address {
	return m.AccountKeys[:m.Header.NumRequiredSignatures]
}

// IsWritable reports whether the key at index i is writable.
func (m *Message) IsWritable(i int) bool {
	n := len(m.AccountKeys)
	signers := int(m.Header.NumRequiredSignatures)
	if i < signers {
		return i < signers-int(m.Header.NumReadonlySignedAccounts)
	}
	return i < n-int(m.Header.NumReadonlyUnsignedAccounts)
}

// Marshal serializes the message in wire format.
func (m *Message) Marshal() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, m.Header.NumRequiredSignatures, m.Header.NumReadonlySignedAccounts, m.Header.NumReadonlyUnsignedAccounts)
	buf = appendCompactU16(buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf = append(buf, k[:]...)
	}
	buf = append(buf, m.RecentBlockhash[:]...)
	buf = appendCompactU16(buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramIDIndex)
		buf = appendCompactU16(buf, len(ix.Accounts))
		buf = append(buf, ix.Accounts...)
		buf = appendCompactU16(buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}
	return buf
}

func unmarshalMessage(r *reader) (*Message, error) {
	var m Message
	hdr, err := r.next(3)
	if err != nil {
		return nil, err
	}
	m.Header = Header{hdr[0], hdr[1], hdr[2]}

	nKeys, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	m.AccountKeys = make([]domain.Address, nKeys)
	for i := range m.AccountKeys {
		b, err := r.next(domain.AddressLength)
		if err != nil {
			return nil, err
		}
		copy(m.AccountKeys[i][:], b)
	}
	bh, err := r.next(32)
	if err != nil {
		return nil, err
	}
	copy(m.RecentBlockhash[:], bh)

	nIx, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < nIx; i++ {
		p, err := r.next(1)
		if err != nil {
			return nil, err
		}
		nAcc, err := r.compactU16()
		if err != nil {
			return nil, err
		}
		accs, err := r.next(nAcc)
		if err != nil {
			return nil, err
		}
		nData, err := r.compactU16()
		if err != nil {
			return nil, err
		}
		data, err := r.next(nData)
		if err != nil {
			return nil, err
		}
		for _, a := range accs {
			if int(a) >= len(m.AccountKeys) {
				return nil, fmt.Errorf("instruction %d account index %d out of range", i, a)
			}
		}
		if int(p[0]) >= len(m.AccountKeys) {
			return nil, fmt.Errorf("instruction %d program index %d out of range", i, p[0])
		}
		m.Instructions = append(m.Instructions, CompiledInstruction{
			ProgramIDIndex: p[0],
			Accounts:       append([]uint8(nil), accs...),
			Data:           append([]byte(nil), data...),
		})
	}
	return &m, nil
}

func appendCompactU16(buf []byte, n int) []byte {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) next(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.b) {
		return nil, fmt.Errorf("truncated at offset %d", r.off)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) compactU16() (int, error) {
	var v, shift int
	for i := 0; i < 3; i++ {
		b, err := r.next(1)
		if err != nil {
			return 0, err
		}
		v |= int(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
	return 0, errors.New("compact-u16 overflow")
}
