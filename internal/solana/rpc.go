package solana

import "context"

// RPCClient defines Solana RPC HTTP interface.
type RPCClient interface {
	// GetAccountInfo retrieves a single account. Returns nil if not found.
	GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error)

	// GetMultipleAccounts retrieves accounts in request order. Missing accounts are nil.
	GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*AccountInfo, error)

	// GetProgramAccounts scans accounts owned by program matching all filters.
	GetProgramAccounts(ctx context.Context, program string, filter ProgramAccountsFilter) ([]*AccountInfo, error)

	// GetTransaction retrieves a transaction by signature.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetSignaturesForAddress retrieves signatures for an address with pagination.
	GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error)

	// GetSlot retrieves the current confirmed slot.
	GetSlot(ctx context.Context) (int64, error)

	// GetTokenAccountsByOwner lists parsed token accounts of owner under a token program.
	GetTokenAccountsByOwner(ctx context.Context, owner, tokenProgram string) ([]TokenAccount, error)

	// GetLatestBlockhash retrieves a recent blockhash for transaction construction.
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)

	// SendTransaction submits a base64 serialized signed transaction.
	SendTransaction(ctx context.Context, encoded string) (string, error)

	// GetSignatureStatuses retrieves confirmation status for signatures.
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)
}

// Transaction represents a Solana transaction.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err               interface{}
	LogMessages       []string
	InnerInstructions []InnerInstructionSet
	LoadedWritable    []string
	LoadedReadonly    []string
}

// TransactionMessage contains parsed transaction message.
type TransactionMessage struct {
	AccountKeys  []string
	Instructions []CompiledInstruction
}
