package core

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Chain blocks and longest-chain fork choice. Blocks are indexed from 0; the
// first transaction of every block is the coinbase minting the block reward
// to the miner.

// TxPayload is the value-moving body of a transaction.
type TxPayload struct {
	From             Address
	To               Address
	AmountConsumer   uint64
	AmountIndustrial uint64
	Nonce            uint64
}

// Transaction is a signed transfer plus its tip. Lane selection feeds fee
// admission; the signature is checked by the gossip layer before a
// transaction reaches the pool.
type Transaction struct {
	Payload    TxPayload
	Tip        uint64
	Industrial bool
	Signature  Signature
	PublicKey  []byte
}

// Volume is the total value moved by the transaction including tip.
func (tx *Transaction) Volume() uint64 {
	return satAdd(satAdd(tx.Payload.AmountConsumer, tx.Payload.AmountIndustrial), tx.Tip)
}

func (tx *Transaction) encode(w *Writer) {
	w.BeginStruct(9)
	w.Field("from", func(w *Writer) { w.WriteString(tx.Payload.From) })
	w.Field("to", func(w *Writer) { w.WriteString(tx.Payload.To) })
	w.Field("amount_consumer", func(w *Writer) { w.WriteU64(tx.Payload.AmountConsumer) })
	w.Field("amount_industrial", func(w *Writer) { w.WriteU64(tx.Payload.AmountIndustrial) })
	w.Field("nonce", func(w *Writer) { w.WriteU64(tx.Payload.Nonce) })
	w.Field("tip", func(w *Writer) { w.WriteU64(tx.Tip) })
	w.Field("industrial", func(w *Writer) { w.WriteBool(tx.Industrial) })
	w.Field("signature", func(w *Writer) { w.WriteBytes(tx.Signature[:]) })
	w.Field("public_key", func(w *Writer) { w.WriteBytes(tx.PublicKey) })
}

func decodeTransaction(r *Reader) (*Transaction, error) {
	var tx Transaction
	err := r.DecodeStruct("Transaction", 9, func(key string, r *Reader) error {
		switch key {
		case "from":
			v, err := r.ReadString(key)
			tx.Payload.From = v
			return err
		case "to":
			v, err := r.ReadString(key)
			tx.Payload.To = v
			return err
		case "amount_consumer":
			v, err := r.ReadU64(key)
			tx.Payload.AmountConsumer = v
			return err
		case "amount_industrial":
			v, err := r.ReadU64(key)
			tx.Payload.AmountIndustrial = v
			return err
		case "nonce":
			v, err := r.ReadU64(key)
			tx.Payload.Nonce = v
			return err
		case "tip":
			v, err := r.ReadU64(key)
			tx.Tip = v
			return err
		case "industrial":
			v, err := r.ReadBool(key)
			tx.Industrial = v
			return err
		case "signature":
			b, err := r.ReadBytes(key)
			if err != nil {
				return err
			}
			sig, err := SignatureFromBytes(b)
			if err != nil {
				return &DecodeError{Kind: "invalid_value", Detail: key}
			}
			tx.Signature = sig
			return nil
		case "public_key":
			b, err := r.ReadBytes(key)
			tx.PublicKey = b
			return err
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// EncodeTransaction frames a transaction for gossip and block bodies.
func EncodeTransaction(tx *Transaction) []byte {
	w := NewWriter()
	tx.encode(w)
	return w.Bytes()
}

// DecodeTransaction parses a framed transaction and requires exhaustion.
func DecodeTransaction(b []byte) (*Transaction, error) {
	r := NewReader(b)
	tx, err := decodeTransaction(r)
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return tx, nil
}

// BlockHeader carries per-block aggregates consumed by economics replay.
type BlockHeader struct {
	Height                  uint64
	PrevHash                Hash
	ConsumerTxCount         uint64
	IndustrialTxCount       uint64
	AdTotalUSDMicros        uint64
	AdOraclePriceUSDMicros  uint64
	StateRoot               Hash
}

// Block is one chain entry. CoinbaseConsumer/CoinbaseIndustrial split the
// emission between the two tokens; the settlement anchor attests to a
// settlement round.
type Block struct {
	Header             BlockHeader
	Transactions       []*Transaction
	Receipts           []Receipt
	SettlementAnchor   Hash
	CoinbaseConsumer   uint64
	CoinbaseIndustrial uint64
}

// Coinbase returns the block's first transaction, nil when the block is
// malformed.
func (b *Block) Coinbase() *Transaction {
	if len(b.Transactions) == 0 {
		return nil
	}
	return b.Transactions[0]
}

// CoinbaseTotal is the emission across both tokens.
func (b *Block) CoinbaseTotal() uint64 {
	return satAdd(b.CoinbaseConsumer, b.CoinbaseIndustrial)
}

// EncodeBlock frames a block for gossip and persistence.
func EncodeBlock(b *Block) []byte {
	w := NewWriter()
	w.BeginStruct(12)
	w.Field("height", func(w *Writer) { w.WriteU64(b.Header.Height) })
	w.Field("prev_hash", func(w *Writer) { w.WriteRaw(b.Header.PrevHash[:]) })
	w.Field("consumer_tx_count", func(w *Writer) { w.WriteU64(b.Header.ConsumerTxCount) })
	w.Field("industrial_tx_count", func(w *Writer) { w.WriteU64(b.Header.IndustrialTxCount) })
	w.Field("ad_total_usd_micros", func(w *Writer) { w.WriteU64(b.Header.AdTotalUSDMicros) })
	w.Field("ad_oracle_price_usd_micros", func(w *Writer) { w.WriteU64(b.Header.AdOraclePriceUSDMicros) })
	w.Field("state_root", func(w *Writer) { w.WriteRaw(b.Header.StateRoot[:]) })
	w.Field("transactions", func(w *Writer) {
		w.WriteU64(uint64(len(b.Transactions)))
		for _, tx := range b.Transactions {
			tx.encode(w)
		}
	})
	w.Field("receipts", func(w *Writer) {
		w.WriteU64(uint64(len(b.Receipts)))
		for _, rc := range b.Receipts {
			w.WriteBytes(EncodeReceipt(rc))
		}
	})
	w.Field("settlement_anchor", func(w *Writer) { w.WriteRaw(b.SettlementAnchor[:]) })
	w.Field("coinbase_consumer", func(w *Writer) { w.WriteU64(b.CoinbaseConsumer) })
	w.Field("coinbase_industrial", func(w *Writer) { w.WriteU64(b.CoinbaseIndustrial) })
	return w.Bytes()
}

// DecodeBlock parses a framed block and requires exhaustion.
func DecodeBlock(buf []byte) (*Block, error) {
	r := NewReader(buf)
	var b Block
	err := r.DecodeStruct("Block", 12, func(key string, r *Reader) error {
		switch key {
		case "height":
			v, err := r.ReadU64(key)
			b.Header.Height = v
			return err
		case "prev_hash":
			h, err := r.ReadHash(key)
			b.Header.PrevHash = h
			return err
		case "consumer_tx_count":
			v, err := r.ReadU64(key)
			b.Header.ConsumerTxCount = v
			return err
		case "industrial_tx_count":
			v, err := r.ReadU64(key)
			b.Header.IndustrialTxCount = v
			return err
		case "ad_total_usd_micros":
			v, err := r.ReadU64(key)
			b.Header.AdTotalUSDMicros = v
			return err
		case "ad_oracle_price_usd_micros":
			v, err := r.ReadU64(key)
			b.Header.AdOraclePriceUSDMicros = v
			return err
		case "state_root":
			h, err := r.ReadHash(key)
			b.Header.StateRoot = h
			return err
		case "transactions":
			n, err := r.ReadU64(key)
			if err != nil {
				return err
			}
			for i := uint64(0); i < n; i++ {
				tx, err := decodeTransaction(r)
				if err != nil {
					return err
				}
				b.Transactions = append(b.Transactions, tx)
			}
			return nil
		case "receipts":
			n, err := r.ReadU64(key)
			if err != nil {
				return err
			}
			for i := uint64(0); i < n; i++ {
				raw, err := r.ReadBytes(key)
				if err != nil {
					return err
				}
				rc, err := DecodeReceipt(raw)
				if err != nil {
					return err
				}
				b.Receipts = append(b.Receipts, rc)
			}
			return nil
		case "settlement_anchor":
			h, err := r.ReadHash(key)
			b.SettlementAnchor = h
			return err
		case "coinbase_consumer":
			v, err := r.ReadU64(key)
			b.CoinbaseConsumer = v
			return err
		case "coinbase_industrial":
			v, err := r.ReadU64(key)
			b.CoinbaseIndustrial = v
			return err
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return &b, nil
}

// BlockHash digests the full encoded block.
func BlockHash(b *Block) Hash { return HashBytes(EncodeBlock(b)) }

// Chain holds the canonical block sequence plus competing forks. Fork choice
// is longest-chain; a strictly longer fork triggers a reorg.
type Chain struct {
	mu     sync.RWMutex
	blocks []*Block
	// forks keyed by the hash of their first divergent block's parent.
	forks map[Hash][]*Block
}

func NewChain() *Chain {
	return &Chain{forks: make(map[Hash][]*Block)}
}

// Height returns the tip height, or 0 for an empty chain.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return 0
	}
	return c.blocks[len(c.blocks)-1].Header.Height
}

// Len returns the number of canonical blocks.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// TipHash returns the hash of the canonical tip, zero for an empty chain.
func (c *Chain) TipHash() Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return Hash{}
	}
	return BlockHash(c.blocks[len(c.blocks)-1])
}

// Blocks copies the canonical prefix [from, to].
func (c *Chain) Blocks(from, to uint64) []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 || from >= uint64(len(c.blocks)) {
		return nil
	}
	if to >= uint64(len(c.blocks)) {
		to = uint64(len(c.blocks)) - 1
	}
	out := make([]*Block, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, c.blocks[i])
	}
	return out
}

// Snapshot copies the full canonical chain for replay.
func (c *Chain) Snapshot() []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Block(nil), c.blocks...)
}

func (c *Chain) validateExtension(b *Block) error {
	if len(c.blocks) == 0 {
		if b.Header.Height != 0 {
			return fmt.Errorf("chain: genesis must be height 0, got %d", b.Header.Height)
		}
		return nil
	}
	tip := c.blocks[len(c.blocks)-1]
	if b.Header.Height != tip.Header.Height+1 {
		return fmt.Errorf("chain: height mismatch: tip %d, got %d", tip.Header.Height, b.Header.Height)
	}
	if b.Header.PrevHash != BlockHash(tip) {
		return fmt.Errorf("chain: prev hash does not match tip")
	}
	if len(b.Transactions) == 0 {
		return fmt.Errorf("chain: block missing coinbase")
	}
	return nil
}

// Append adds a block extending the canonical tip.
func (c *Chain) Append(b *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.validateExtension(b); err != nil {
		return err
	}
	c.blocks = append(c.blocks, b)
	return nil
}

// Observe routes an incoming block: extend the tip, grow a known fork, or
// open a new one. When a fork becomes strictly longer than the canonical
// chain the node reorganizes to it. Returns true when the canonical tip
// changed.
func (c *Chain) Observe(b *Block) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validateExtension(b); err == nil {
		c.blocks = append(c.blocks, b)
		return true, nil
	}

	// Already-known canonical blocks are ignored, not orphaned. Chain sync
	// replays full prefixes, so duplicates are routine.
	if h := b.Header.Height; h < uint64(len(c.blocks)) && BlockHash(c.blocks[h]) == BlockHash(b) {
		return false, nil
	}

	// Fork bookkeeping: find the canonical ancestor this block descends
	// from, directly or through a tracked fork.
	for anchor, branch := range c.forks {
		tip := branch[len(branch)-1]
		if b.Header.PrevHash == BlockHash(tip) && b.Header.Height == tip.Header.Height+1 {
			c.forks[anchor] = append(branch, b)
			return c.maybeReorg(anchor), nil
		}
	}
	for i := len(c.blocks) - 1; i >= 0; i-- {
		if b.Header.PrevHash == BlockHash(c.blocks[i]) && b.Header.Height == c.blocks[i].Header.Height+1 {
			anchor := BlockHash(c.blocks[i])
			c.forks[anchor] = []*Block{b}
			return c.maybeReorg(anchor), nil
		}
	}
	return false, fmt.Errorf("chain: orphan block at height %d", b.Header.Height)
}

// maybeReorg switches to the fork anchored at anchor when it is strictly
// longer than the canonical chain.
func (c *Chain) maybeReorg(anchor Hash) bool {
	branch := c.forks[anchor]
	if len(branch) == 0 {
		return false
	}
	forkTip := branch[len(branch)-1].Header.Height
	tip := uint64(0)
	if len(c.blocks) > 0 {
		tip = c.blocks[len(c.blocks)-1].Header.Height
	}
	if forkTip <= tip {
		return false
	}
	// Locate the anchor block in the canonical chain.
	anchorIdx := -1
	for i := len(c.blocks) - 1; i >= 0; i-- {
		if BlockHash(c.blocks[i]) == anchor {
			anchorIdx = i
			break
		}
	}
	if anchorIdx < 0 {
		return false
	}
	abandoned := append([]*Block(nil), c.blocks[anchorIdx+1:]...)
	c.blocks = append(c.blocks[:anchorIdx+1], branch...)
	delete(c.forks, anchor)
	if len(abandoned) > 0 {
		// Keep the abandoned suffix as a fork in case it regains the lead.
		c.forks[anchor] = abandoned
	}
	logrus.Infof("chain: reorganized to fork tip height %d (%d blocks abandoned)", forkTip, len(abandoned))
	return true
}

// BlockRewardAt returns the scheduled emission for a height. The replayed
// economics state overrides this once the first epoch closes; until then the
// bootstrap reward applies.
func BlockRewardAt(height uint64, replayed *ReplayedEconomicsState) uint64 {
	if replayed == nil {
		return InitialBlockReward
	}
	return replayed.BlockRewardPerBlock
}
