package txn

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"crank_go/internal/domain"
)

func testKeypair(t *testing.T) *Keypair {
	t.Helper()
	kp, err := KeypairFromSeed(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("KeypairFromSeed failed: %v", err)
	}
	return kp
}

func testMarket() domain.Market {
	return domain.Market{
		Address:      domain.Address{0xA0},
		EventQueue:   domain.Address{0xA1},
		BaseLotSize:  1,
		QuoteLotSize: 1,
	}
}

func TestCompactU16(t *testing.T) {
	cases := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{0x3fff, []byte{0xff, 0x7f}},
		{0x4000, []byte{0x80, 0x80, 0x01}},
	}
	for _, tc := range cases {
		got := appendCompactU16(nil, tc.n)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("appendCompactU16(%#x) = %x, want %x", tc.n, got, tc.want)
		}
		r := &reader{b: got}
		back, err := r.compactU16()
		if err != nil || back != tc.n {
			t.Errorf("compactU16(%x) = %d, %v; want %d", got, back, err, tc.n)
		}
	}
}

func TestCompile_AccountOrdering(t *testing.T) {
	payer := domain.Address{0x01}
	program := domain.Address{0xFF}
	ix := Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			{Address: domain.Address{0x10}},                 // read-only
			{Address: domain.Address{0x11}, Writable: true}, // writable
			{Address: payer, Writable: true},
			{Address: domain.Address{0x12}, Signer: true}, // read-only signer
		},
		Data: []byte{1, 2, 3},
	}
	msg, err := Compile(payer, domain.Blockhash{9}, ix)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	want := []domain.Address{payer, {0x12}, {0x11}, {0x10}, program}
	if len(msg.AccountKeys) != len(want) {
		t.Fatalf("Expected %d keys, got %d", len(want), len(msg.AccountKeys))
	}
	for i := range want {
		if msg.AccountKeys[i] != want[i] {
			t.Errorf("Key %d = %s, want %s", i, msg.AccountKeys[i], want[i])
		}
	}
	if msg.Header != (Header{NumRequiredSignatures: 2, NumReadonlySignedAccounts: 1, NumReadonlyUnsignedAccounts: 2}) {
		t.Errorf("Unexpected header %+v", msg.Header)
	}
	if !msg.IsWritable(0) || msg.IsWritable(1) || !msg.IsWritable(2) || msg.IsWritable(3) || msg.IsWritable(4) {
		t.Error("Writable flags do not follow the header")
	}
}

func TestBuilder_ConsumeEventsRoundTrip(t *testing.T) {
	kp := testKeypair(t)
	program := domain.Address{0xDE}
	m := testMarket()
	batch := domain.Batch{
		Events: []domain.Event{{Seq: 4}, {Seq: 5}, {Seq: 6}},
		Owners: []domain.Address{{0x20}, {0x21}},
	}

	raw, sig, err := NewBuilder(program, kp, nil).Build(m, batch, domain.Blockhash{3})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	tx, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if tx.Signature() != sig {
		t.Error("Decoded signature does not match")
	}
	if !Verify(kp.PublicKey(), tx.Message.Marshal(), sig) {
		t.Error("Signature does not verify")
	}
	if tx.Message.RecentBlockhash != (domain.Blockhash{3}) {
		t.Error("Blockhash not preserved")
	}

	ix := tx.Instruction(0)
	if ix.ProgramID != program {
		t.Errorf("Expected program %s, got %s", program, ix.ProgramID)
	}
	limit, ok := ConsumeLimit(ix.Data)
	if !ok || limit != 3 {
		t.Errorf("Expected consume limit 3, got %d (ok=%v)", limit, ok)
	}
	wantAccounts := []domain.Address{{0x20}, {0x21}, m.Address, m.EventQueue, kp.PublicKey(), kp.PublicKey()}
	if len(ix.Accounts) != len(wantAccounts) {
		t.Fatalf("Expected %d accounts, got %d", len(wantAccounts), len(ix.Accounts))
	}
	for i, a := range ix.Accounts {
		if a.Address != wantAccounts[i] || !a.Writable {
			t.Errorf("Account %d = %s writable=%v, want writable %s", i, a.Address, a.Writable, wantAccounts[i])
		}
	}
}

func TestBuilder_Relay(t *testing.T) {
	kp := testKeypair(t)
	relay := &Relay{
		Program:        domain.Address{0x50},
		Instance:       domain.Address{0x51},
		Vault:          domain.Address{0x52},
		VaultAuthority: domain.Address{0x53},
		Registrar:      domain.Address{0x54},
		TokenAccount:   domain.Address{0x55},
		Entity:         domain.Address{0x56},
	}
	m := testMarket()
	batch := domain.Batch{Events: []domain.Event{{Seq: 1}}, Owners: []domain.Address{{0x20}}}

	raw, _, err := NewBuilder(domain.Address{0xDE}, kp, relay).Build(m, batch, domain.Blockhash{1})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	tx, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	ix := tx.Instruction(0)
	if ix.ProgramID != relay.Program {
		t.Fatalf("Expected relay program, got %s", ix.ProgramID)
	}
	if ix.Accounts[8].Address != (domain.Address{0xDE}) || ix.Accounts[9].Address != m.EventQueue {
		t.Error("Relay prefix must end with dex program and event queue")
	}
	if !ix.Accounts[6].Signer || ix.Accounts[6].Address != kp.PublicKey() {
		t.Error("Expected payer as signing entity leader")
	}
	inner, ok := relay.Unwrap(ix.Data)
	if !ok {
		t.Fatal("Unwrap failed")
	}
	if limit, ok := ConsumeLimit(inner); !ok || limit != 1 {
		t.Errorf("Expected inner consume limit 1, got %d", limit)
	}
}

func TestTransaction_TooLarge(t *testing.T) {
	kp := testKeypair(t)
	owners := make([]domain.Address, 40)
	for i := range owners {
		owners[i] = domain.Address{byte(i + 1), 0xEE}
	}
	batch := domain.Batch{Events: make([]domain.Event, 40), Owners: owners}

	_, _, err := NewBuilder(domain.Address{0xDE}, kp, nil).Build(testMarket(), batch, domain.Blockhash{})
	if !errors.Is(err, domain.ErrTransactionTooLarge) {
		t.Fatalf("Expected ErrTransactionTooLarge, got %v", err)
	}
	if domain.ClassifyError(err) != domain.OutcomeRejected {
		t.Errorf("Expected oversized transaction to be rejected")
	}
}

func TestDecode_Truncated(t *testing.T) {
	raw, _, err := NewBuilder(domain.Address{0xDE}, testKeypair(t), nil).Build(testMarket(),
		domain.Batch{Events: []domain.Event{{}}, Owners: []domain.Address{{1}}}, domain.Blockhash{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(raw[:len(raw)-1]); err == nil {
		t.Error("Expected error for truncated transaction")
	}
	if _, err := Decode(append(raw, 0)); err == nil {
		t.Error("Expected error for trailing bytes")
	}
}

func TestLoadKeypair(t *testing.T) {
	kp := testKeypair(t)
	parts := make([]string, 0, 64)
	for _, b := range kp.private {
		parts = append(parts, strconv.Itoa(int(b)))
	}
	path := filepath.Join(t.TempDir(), "id.json")
	if err := os.WriteFile(path, []byte("["+strings.Join(parts, ",")+"]"), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadKeypair(path)
	if err != nil {
		t.Fatalf("LoadKeypair failed: %v", err)
	}
	if loaded.PublicKey() != kp.PublicKey() {
		t.Errorf("Expected %s, got %s", kp.PublicKey(), loaded.PublicKey())
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(bad, []byte("[1,2,3]"), 0o600)
	if _, err := LoadKeypair(bad); err == nil {
		t.Error("Expected error for short keypair")
	}
}
