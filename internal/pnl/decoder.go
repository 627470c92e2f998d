package pnl

import (
	"encoding/binary"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"dammdash/internal/cpamm"
	chain "dammdash/internal/solana"
)

// Kind classifies a decoded AMM instruction.
type Kind int

const (
	KindUnknown Kind = iota
	KindPoolInit
	KindAddLiquidity
	KindRemoveLiquidity
	KindClaimFee
)

func (k Kind) String() string {
	switch k {
	case KindPoolInit:
		return "pool_init"
	case KindAddLiquidity:
		return "add_liquidity"
	case KindRemoveLiquidity:
		return "remove_liquidity"
	case KindClaimFee:
		return "claim_fee"
	default:
		return "unknown"
	}
}

// Target identifies the position whose history is being decoded.
type Target struct {
	NftAccount solana.PublicKey
	MintA      solana.PublicKey
	MintB      solana.PublicKey
}

// Event is the token movement of one AMM instruction for the target position.
// Amounts are always non-negative; Kind gives the direction.
type Event struct {
	Kind    Kind
	AmountA *big.Int
	AmountB *big.Int
}

// Decoder extracts position events from decompiled instructions.
type Decoder interface {
	Decode(ix chain.DecompiledInstruction, target Target) (Event, bool)
}

var kinds = map[[8]byte]Kind{
	cpamm.IxInitializePool:                  KindPoolInit,
	cpamm.IxInitializePoolWithDynamicConfig: KindPoolInit,
	cpamm.IxInitializeCustomizablePool:      KindPoolInit,
	cpamm.IxAddLiquidity:                    KindAddLiquidity,
	cpamm.IxRemoveLiquidity:                 KindRemoveLiquidity,
	cpamm.IxRemoveAllLiquidity:              KindRemoveLiquidity,
	cpamm.IxClaimPositionFee:                KindClaimFee,
}

// InnerTransferDecoder reads token legs from fixed positions in the inner
// instruction list emitted by each AMM instruction. This is best effort: the
// positions match current program versions and may not hold for others.
//
//	pool init        3rd and 2nd from last
//	add liquidity    1st and 2nd
//	remove liquidity 1st and 2nd
//	claim fee        1st and 2nd, each only if present
type InnerTransferDecoder struct {
	ProgramID solana.PublicKey
}

// NewInnerTransferDecoder creates a decoder for the given AMM program.
func NewInnerTransferDecoder(programID solana.PublicKey) *InnerTransferDecoder {
	if programID.IsZero() {
		programID = cpamm.ProgramID
	}
	return &InnerTransferDecoder{ProgramID: programID}
}

// Decode implements Decoder. Instructions of other programs, of unknown type
// or not referencing the target's NFT account are rejected.
func (d *InnerTransferDecoder) Decode(ix chain.DecompiledInstruction, target Target) (Event, bool) {
	outer := ix.Instruction
	if outer.ProgramID != d.ProgramID.String() || len(outer.Data) < 8 {
		return Event{}, false
	}
	var disc [8]byte
	copy(disc[:], outer.Data[:8])
	kind, ok := kinds[disc]
	if !ok {
		return Event{}, false
	}
	if !references(outer.Accounts, target.NftAccount) {
		return Event{}, false
	}

	inner := ix.Inner
	var legs []int
	switch kind {
	case KindPoolInit:
		if len(inner) >= 3 {
			legs = []int{len(inner) - 3, len(inner) - 2}
		}
	case KindAddLiquidity, KindRemoveLiquidity:
		legs = []int{0, 1}
	case KindClaimFee:
		for i := 0; i < 2 && i < len(inner); i++ {
			legs = append(legs, i)
		}
	}

	ev := Event{Kind: kind, AmountA: new(big.Int), AmountB: new(big.Int)}
	for side, idx := range legs {
		if idx < 0 || idx >= len(inner) {
			continue
		}
		tr, ok := decodeTransfer(inner[idx])
		if !ok {
			continue
		}
		switch {
		case tr.mint == target.MintA.String():
			ev.AmountA.Add(ev.AmountA, tr.amount)
		case tr.mint == target.MintB.String():
			ev.AmountB.Add(ev.AmountB, tr.amount)
		case side == 0:
			ev.AmountA.Add(ev.AmountA, tr.amount)
		default:
			ev.AmountB.Add(ev.AmountB, tr.amount)
		}
	}
	return ev, true
}

const (
	tokenTransfer        = 3
	tokenTransferChecked = 12
)

type transfer struct {
	amount *big.Int
	mint   string // empty for plain transfers
}

// decodeTransfer reads an SPL Token or Token-2022 Transfer/TransferChecked.
func decodeTransfer(ix chain.Instruction) (transfer, bool) {
	if ix.ProgramID != solana.TokenProgramID.String() && ix.ProgramID != solana.Token2022ProgramID.String() {
		return transfer{}, false
	}
	if len(ix.Data) < 9 {
		return transfer{}, false
	}
	amount, err := bin.NewBinDecoder(ix.Data[1:9]).ReadUint64(binary.LittleEndian)
	if err != nil {
		return transfer{}, false
	}
	tr := transfer{amount: new(big.Int).SetUint64(amount)}
	switch ix.Data[0] {
	case tokenTransfer:
	case tokenTransferChecked:
		if len(ix.Accounts) > 1 {
			tr.mint = ix.Accounts[1]
		}
	default:
		return transfer{}, false
	}
	return tr, true
}

func references(accounts []string, key solana.PublicKey) bool {
	k := key.String()
	for _, a := range accounts {
		if a == k {
			return true
		}
	}
	return false
}
