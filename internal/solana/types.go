package solana

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// SignatureInfo from getSignaturesForAddress.
type SignatureInfo struct {
	Signature string
	Slot      int64
	BlockTime *int64
	Err       interface{}
}

// SignaturesOpts defines optional pagination parameters for getSignaturesForAddress.
type SignaturesOpts struct {
	Before string // Start searching backwards from this signature
	Until  string // Search until this signature
	Limit  int    // Maximum number of signatures to return
}

// AccountInfo represents Solana account information with decoded data.
type AccountInfo struct {
	Pubkey     string
	Lamports   uint64
	Owner      string
	Data       []byte
	Executable bool
	RentEpoch  uint64
}

// MemcmpFilter matches account data bytes at a fixed offset.
type MemcmpFilter struct {
	Offset uint64
	Bytes  string // base58 encoded
}

// ProgramAccountsFilter restricts a getProgramAccounts scan.
type ProgramAccountsFilter struct {
	DataSize uint64 // 0 means unset
	Memcmp   []MemcmpFilter
}

// TokenAccount is a parsed SPL token account returned by getTokenAccountsByOwner.
type TokenAccount struct {
	Address  string
	Mint     string
	Owner    string
	Amount   uint64
	Decimals int
}

// Blockhash is the result of getLatestBlockhash.
type Blockhash struct {
	Blockhash            string
	LastValidBlockHeight uint64
}

// SignatureStatus is a single entry of getSignatureStatuses. Nil entries mean unknown.
type SignatureStatus struct {
	Slot               int64
	Confirmations      *int64
	Err                interface{}
	ConfirmationStatus string
}

// CompiledInstruction references accounts by index into the transaction account keys.
type CompiledInstruction struct {
	ProgramIDIndex int
	Accounts       []int
	Data           string // base58 encoded
	StackHeight    *int
}

// InnerInstructionSet groups CPI instructions emitted by the outer instruction at Index.
type InnerInstructionSet struct {
	Index        int
	Instructions []CompiledInstruction
}

// Instruction is a decompiled instruction with resolved account addresses.
type Instruction struct {
	ProgramID string
	Accounts  []string
	Data      []byte
}

// DecompiledInstruction pairs an outer instruction with the inner instructions it emitted.
type DecompiledInstruction struct {
	Instruction Instruction
	Inner       []Instruction
}

// Decompile resolves every outer instruction and its inner instructions against the
// full account key list (static keys followed by loaded writable and readonly keys).
func (tx *Transaction) Decompile() ([]DecompiledInstruction, error) {
	if tx == nil || tx.Message == nil {
		return nil, nil
	}

	keys := tx.AccountKeys()
	inner := make(map[int][]CompiledInstruction)
	if tx.Meta != nil {
		for _, set := range tx.Meta.InnerInstructions {
			inner[set.Index] = append(inner[set.Index], set.Instructions...)
		}
	}

	out := make([]DecompiledInstruction, 0, len(tx.Message.Instructions))
	for i, ci := range tx.Message.Instructions {
		ix, err := resolveInstruction(keys, ci)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		d := DecompiledInstruction{Instruction: ix}
		for j, ici := range inner[i] {
			iix, err := resolveInstruction(keys, ici)
			if err != nil {
				return nil, fmt.Errorf("inner instruction %d.%d: %w", i, j, err)
			}
			d.Inner = append(d.Inner, iix)
		}
		out = append(out, d)
	}
	return out, nil
}

// AccountKeys returns static keys followed by address-lookup-table loaded keys.
func (tx *Transaction) AccountKeys() []string {
	if tx == nil || tx.Message == nil {
		return nil
	}
	keys := make([]string, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	if tx.Meta != nil {
		keys = append(keys, tx.Meta.LoadedWritable...)
		keys = append(keys, tx.Meta.LoadedReadonly...)
	}
	return keys
}

func resolveInstruction(keys []string, ci CompiledInstruction) (Instruction, error) {
	if ci.ProgramIDIndex < 0 || ci.ProgramIDIndex >= len(keys) {
		return Instruction{}, fmt.Errorf("program index %d out of range", ci.ProgramIDIndex)
	}
	accounts := make([]string, len(ci.Accounts))
	for i, idx := range ci.Accounts {
		if idx < 0 || idx >= len(keys) {
			return Instruction{}, fmt.Errorf("account index %d out of range", idx)
		}
		accounts[i] = keys[idx]
	}
	data, err := base58.Decode(ci.Data)
	if err != nil && ci.Data != "" {
		return Instruction{}, fmt.Errorf("decode data: %w", err)
	}
	return Instruction{
		ProgramID: keys[ci.ProgramIDIndex],
		Accounts:  accounts,
		Data:      data,
	}, nil
}
