package core

import (
	"bytes"
	"testing"
)

func makeBlock(t *testing.T, height uint64, prev Hash, miner string) *Block {
	t.Helper()
	return &Block{
		Header: BlockHeader{Height: height, PrevHash: prev},
		Transactions: []*Transaction{
			{Payload: TxPayload{To: miner, AmountConsumer: InitialBlockReward}},
		},
		CoinbaseConsumer: InitialBlockReward,
	}
}

func extend(t *testing.T, c *Chain, n int, miner string) {
	t.Helper()
	for i := 0; i < n; i++ {
		var prev Hash
		height := uint64(0)
		if c.Len() > 0 {
			blocks := c.Snapshot()
			tip := blocks[len(blocks)-1]
			prev = BlockHash(tip)
			height = tip.Header.Height + 1
		}
		if err := c.Append(makeBlock(t, height, prev, miner)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

//-------------------------------------------------------------
// Codec round trips
//-------------------------------------------------------------

func TestBlockCodecRoundTrip(t *testing.T) {
	b := makeBlock(t, 3, HashBytes([]byte("prev")), "miner")
	b.Header.ConsumerTxCount = 1
	b.Header.AdTotalUSDMicros = 500
	b.Header.AdOraclePriceUSDMicros = 1_000_000
	b.Receipts = []Receipt{
		&AdReceipt{BlockHeight: 3, CampaignID: "c", Publisher: "p", Impressions: 10, Spend: 7, SignatureNonce: 1},
	}
	b.SettlementAnchor = HashBytes([]byte("anchor"))

	raw := EncodeBlock(b)
	if !bytes.Equal(raw, EncodeBlock(b)) {
		t.Fatal("block encoding not deterministic")
	}
	decoded, err := DecodeBlock(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(EncodeBlock(decoded), raw) {
		t.Fatal("round trip mismatch")
	}
	if _, err := DecodeBlock(append(raw, 1)); err == nil {
		t.Fatal("trailing byte accepted")
	}
}

func TestTransactionCodecRoundTrip(t *testing.T) {
	tx := &Transaction{
		Payload:    TxPayload{From: "a", To: "b", AmountConsumer: 5, AmountIndustrial: 7, Nonce: 2},
		Tip:        1,
		Industrial: true,
		PublicKey:  []byte{9, 9},
	}
	decoded, err := DecodeTransaction(EncodeTransaction(tx))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Payload.From != "a" || !decoded.Industrial || decoded.Volume() != 13 {
		t.Fatalf("fields lost: %+v", decoded)
	}
}

//-------------------------------------------------------------
// Append validation
//-------------------------------------------------------------

func TestAppendValidation(t *testing.T) {
	c := NewChain()
	if err := c.Append(makeBlock(t, 1, Hash{}, "m")); err == nil {
		t.Fatal("non-zero genesis height accepted")
	}
	extend(t, c, 1, "m")
	if err := c.Append(makeBlock(t, 5, Hash{}, "m")); err == nil {
		t.Fatal("height gap accepted")
	}
	if err := c.Append(makeBlock(t, 1, HashBytes([]byte("wrong")), "m")); err == nil {
		t.Fatal("wrong prev hash accepted")
	}
	bad := makeBlock(t, 1, c.TipHash(), "m")
	bad.Transactions = nil
	if err := c.Append(bad); err == nil {
		t.Fatal("missing coinbase accepted")
	}
}

//-------------------------------------------------------------
// Fork choice
//-------------------------------------------------------------

func TestLongerForkTriggersReorg(t *testing.T) {
	c := NewChain()
	extend(t, c, 3, "honest")
	forkPoint := c.Snapshot()[1] // fork from height 1

	// Build a competing branch from height 2 upward, longer than canonical.
	prev := BlockHash(forkPoint)
	var branch []*Block
	for h := uint64(2); h <= 4; h++ {
		b := makeBlock(t, h, prev, "rival")
		branch = append(branch, b)
		prev = BlockHash(b)
	}

	// The first fork block (height 2) only ties tip 2; the second (height 3)
	// overtakes it and reorganizes; the third extends the new tip.
	if changed, err := c.Observe(branch[0]); err != nil || !changed && c.Height() != 2 {
		t.Fatalf("observe fork start: changed=%v err=%v", changed, err)
	}
	_, _ = c.Observe(branch[1])
	changed, err := c.Observe(branch[2])
	if err != nil {
		t.Fatalf("observe fork tip: %v", err)
	}
	if !changed {
		t.Fatal("strictly longer fork did not trigger a reorg")
	}
	if c.Height() != 4 {
		t.Fatalf("tip height = %d, want 4", c.Height())
	}
	if c.TipHash() != BlockHash(branch[2]) {
		t.Fatal("tip hash is not the fork tip")
	}
}

func TestObserveExtendsTip(t *testing.T) {
	c := NewChain()
	extend(t, c, 2, "m")
	next := makeBlock(t, 2, c.TipHash(), "m")
	changed, err := c.Observe(next)
	if err != nil || !changed {
		t.Fatalf("observe extension: changed=%v err=%v", changed, err)
	}
	if c.Height() != 2 {
		t.Fatalf("height = %d", c.Height())
	}
}

func TestObserveOrphanRejected(t *testing.T) {
	c := NewChain()
	extend(t, c, 1, "m")
	orphan := makeBlock(t, 7, HashBytes([]byte("unknown")), "m")
	if _, err := c.Observe(orphan); err == nil {
		t.Fatal("orphan accepted")
	}
}

func TestBlocksRange(t *testing.T) {
	c := NewChain()
	extend(t, c, 5, "m")
	blocks := c.Blocks(1, 3)
	if len(blocks) != 3 || blocks[0].Header.Height != 1 || blocks[2].Header.Height != 3 {
		t.Fatalf("range wrong: %d blocks", len(blocks))
	}
	if got := c.Blocks(10, 20); got != nil {
		t.Fatal("out-of-range request returned blocks")
	}
}
