package txn

import (
	"errors"
	"fmt"

	"crank_go/internal/domain"
)

// Signer produces ed25519 signatures for one account.
type Signer interface {
	PublicKey() domain.Address
	Sign(message []byte) domain.Signature
}

// Transaction is a message plus its signatures.
type Transaction struct {
	Signatures []domain.Signature
	Message    *Message
}

// Sign signs msg with every required signer. A missing signer is an error.
func Sign(msg *Message, signers ...Signer) (*Transaction, error) {
	payload := msg.Marshal()
	byKey := make(map[domain.Address]Signer, len(signers))
	for _, s := range signers {
		byKey[s.PublicKey()] = s
	}

	tx := &Transaction{Message: msg}
	for _, key := range msg.Signers() {
		s, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("missing signer %s", key)
		}
		tx.Signatures = append(tx.Signatures, s.Sign(payload))
	}
	return tx, nil
}

// Signature returns the transaction id (the fee payer's signature).
func (t *Transaction) Signature() domain.Signature {
	if len(t.Signatures) == 0 {
		return domain.Signature{}
	}
	return t.Signatures[0]
}

// Marshal encodes the transaction and enforces the packet size limit.
func (t *Transaction) Marshal() ([]byte, error) {
	msg := t.Message.Marshal()
	buf := make([]byte, 0, 1+len(t.Signatures)*64+len(msg))
	buf = appendCompactU16(buf, len(t.Signatures))
	for _, s := range t.Signatures {
		buf = append(buf, s[:]...)
	}
	buf = append(buf, msg...)
	if len(buf) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", domain.ErrTransactionTooLarge, len(buf))
	}
	return buf, nil
}

// Decode parses a wire-format transaction.
func Decode(b []byte) (*Transaction, error) {
	r := &reader{b: b}
	n, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	tx := &Transaction{Signatures: make([]domain.Signature, n)}
	for i := range tx.Signatures {
		s, err := r.next(64)
		if err != nil {
			return nil, err
		}
		copy(tx.Signatures[i][:], s)
	}
	if tx.Message, err = unmarshalMessage(r); err != nil {
		return nil, err
	}
	if r.off != len(b) {
		return nil, errors.New("trailing bytes after message")
	}
	if int(tx.Message.Header.NumRequiredSignatures) != n {
		return nil, fmt.Errorf("%d signatures for %d required signers", n, tx.Message.Header.NumRequiredSignatures)
	}
	return tx, nil
}

// Instruction resolves compiled instruction i back to addresses.
func (t *Transaction) Instruction(i int) Instruction {
	ci := t.Message.Instructions[i]
	ix := Instruction{
		ProgramID: t.Message.AccountKeys[ci.ProgramIDIndex],
		Data:      ci.Data,
	}
	signers := int(t.Message.Header.NumRequiredSignatures)
	for _, idx := range ci.Accounts {
		ix.Accounts = append(ix.Accounts, AccountMeta{
			Address:  t.Message.AccountKeys[idx],
			Signer:   int(idx) < signers,
			Writable: t.Message.IsWritable(int(idx)),
		})
	}
	return ix
}
