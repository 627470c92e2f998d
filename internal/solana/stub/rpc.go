// Package stub provides in-memory Solana clients for tests.
package stub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mr-tron/base58"

	"dammdash/internal/solana"
)

// ErrNotFound is returned when a transaction is not found.
var ErrNotFound = errors.New("not found")

// RPCClient implements solana.RPCClient over in-memory maps.
type RPCClient struct {
	mu sync.RWMutex

	Accounts      map[string]*solana.AccountInfo
	Transactions  map[string]*solana.Transaction
	Signatures    map[string][]solana.SignatureInfo
	TokenAccounts map[string][]solana.TokenAccount // keyed by owner + "/" + token program
	Slot          int64

	// Sent collects encoded transactions passed to SendTransaction.
	Sent []string
	// Statuses answers GetSignatureStatuses; missing signatures are nil.
	Statuses map[string]*solana.SignatureStatus

	// Errors forces a method (by RPC name) to fail.
	Errors map[string]error

	// ProgramAccountsHook runs before GetProgramAccounts answers, letting tests block or count scans.
	ProgramAccountsHook func(ctx context.Context) error

	calls   map[string]*atomic.Int64
	callsMu sync.Mutex
	sendSeq atomic.Int64
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Accounts:      make(map[string]*solana.AccountInfo),
		Transactions:  make(map[string]*solana.Transaction),
		Signatures:    make(map[string][]solana.SignatureInfo),
		TokenAccounts: make(map[string][]solana.TokenAccount),
		Statuses:      make(map[string]*solana.SignatureStatus),
		Errors:        make(map[string]error),
		calls:         make(map[string]*atomic.Int64),
	}
}

func (c *RPCClient) record(method string) error {
	c.callsMu.Lock()
	n, ok := c.calls[method]
	if !ok {
		n = &atomic.Int64{}
		c.calls[method] = n
	}
	c.callsMu.Unlock()
	n.Add(1)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Errors[method]
}

// Calls returns how many times method was invoked.
func (c *RPCClient) Calls(method string) int64 {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	if n, ok := c.calls[method]; ok {
		return n.Load()
	}
	return 0
}

// SetError makes method fail with err; nil clears it.
func (c *RPCClient) SetError(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.Errors, method)
		return
	}
	c.Errors[method] = err
}

// PutAccount stores or replaces an account.
func (c *RPCClient) PutAccount(pubkey, owner string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Accounts[pubkey] = &solana.AccountInfo{Pubkey: pubkey, Owner: owner, Data: data}
}

// DeleteAccount removes an account.
func (c *RPCClient) DeleteAccount(pubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Accounts, pubkey)
}

// SetSlot sets the current slot.
func (c *RPCClient) SetSlot(slot int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Slot = slot
}

// AddTransaction adds a transaction to the stub store.
func (c *RPCClient) AddTransaction(tx *solana.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transactions[tx.Signature] = tx
}

// AddSignatures sets the newest-first signature list for an address.
func (c *RPCClient) AddSignatures(address string, sigs []solana.SignatureInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Signatures[address] = sigs
}

// AddTokenAccount registers a token account of owner under tokenProgram.
func (c *RPCClient) AddTokenAccount(tokenProgram string, acct solana.TokenAccount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := acct.Owner + "/" + tokenProgram
	c.TokenAccounts[key] = append(c.TokenAccounts[key], acct)
}

// GetAccountInfo returns a copy of the stored account or nil.
func (c *RPCClient) GetAccountInfo(_ context.Context, pubkey string) (*solana.AccountInfo, error) {
	if err := c.record("getAccountInfo"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAccount(c.Accounts[pubkey]), nil
}

// GetMultipleAccounts returns stored accounts in request order.
func (c *RPCClient) GetMultipleAccounts(_ context.Context, pubkeys []string) ([]*solana.AccountInfo, error) {
	if err := c.record("getMultipleAccounts"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*solana.AccountInfo, len(pubkeys))
	for i, k := range pubkeys {
		out[i] = cloneAccount(c.Accounts[k])
	}
	return out, nil
}

// GetProgramAccounts returns stored accounts owned by program that pass the filters.
func (c *RPCClient) GetProgramAccounts(ctx context.Context, program string, filter solana.ProgramAccountsFilter) ([]*solana.AccountInfo, error) {
	if err := c.record("getProgramAccounts"); err != nil {
		return nil, err
	}
	if hook := c.ProgramAccountsHook; hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	memcmps := make([][]byte, len(filter.Memcmp))
	for i, m := range filter.Memcmp {
		b, err := base58.Decode(m.Bytes)
		if err != nil {
			return nil, fmt.Errorf("memcmp %d: %w", i, err)
		}
		memcmps[i] = b
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*solana.AccountInfo
	for _, acct := range c.Accounts {
		if acct.Owner != program {
			continue
		}
		if filter.DataSize > 0 && uint64(len(acct.Data)) != filter.DataSize {
			continue
		}
		match := true
		for i, m := range filter.Memcmp {
			end := int(m.Offset) + len(memcmps[i])
			if end > len(acct.Data) || !bytes.Equal(acct.Data[m.Offset:end], memcmps[i]) {
				match = false
				break
			}
		}
		if match {
			out = append(out, cloneAccount(acct))
		}
	}
	return out, nil
}

// GetTransaction retrieves a transaction by signature from the stub store.
func (c *RPCClient) GetTransaction(_ context.Context, signature string) (*solana.Transaction, error) {
	if err := c.record("getTransaction"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	tx, ok := c.Transactions[signature]
	if !ok {
		return nil, ErrNotFound
	}
	return tx, nil
}

// GetSignaturesForAddress pages through stored signatures honoring Before and Limit.
func (c *RPCClient) GetSignaturesForAddress(_ context.Context, address string, opts *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	if err := c.record("getSignaturesForAddress"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	sigs := c.Signatures[address]
	c.mu.RUnlock()

	start := 0
	if opts != nil && opts.Before != "" {
		for i, s := range sigs {
			if s.Signature == opts.Before {
				start = i + 1
				break
			}
		}
	}
	sigs = sigs[start:]
	if opts != nil && opts.Limit > 0 && opts.Limit < len(sigs) {
		sigs = sigs[:opts.Limit]
	}
	out := make([]solana.SignatureInfo, len(sigs))
	copy(out, sigs)
	return out, nil
}

// GetSlot returns the stub slot.
func (c *RPCClient) GetSlot(_ context.Context) (int64, error) {
	if err := c.record("getSlot"); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Slot, nil
}

// GetTokenAccountsByOwner returns registered token accounts.
func (c *RPCClient) GetTokenAccountsByOwner(_ context.Context, owner, tokenProgram string) ([]solana.TokenAccount, error) {
	if err := c.record("getTokenAccountsByOwner"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	accts := c.TokenAccounts[owner+"/"+tokenProgram]
	out := make([]solana.TokenAccount, len(accts))
	copy(out, accts)
	return out, nil
}

// GetLatestBlockhash returns a fixed valid blockhash.
func (c *RPCClient) GetLatestBlockhash(_ context.Context) (*solana.Blockhash, error) {
	if err := c.record("getLatestBlockhash"); err != nil {
		return nil, err
	}
	return &solana.Blockhash{
		Blockhash:            "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N",
		LastValidBlockHeight: 1000,
	}, nil
}

// SendTransaction records the payload and returns a synthetic signature.
func (c *RPCClient) SendTransaction(_ context.Context, encoded string) (string, error) {
	if err := c.record("sendTransaction"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, encoded)
	return fmt.Sprintf("stub-sig-%d", c.sendSeq.Add(1)), nil
}

// GetSignatureStatuses answers from Statuses.
func (c *RPCClient) GetSignatureStatuses(_ context.Context, signatures []string) ([]*solana.SignatureStatus, error) {
	if err := c.record("getSignatureStatuses"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*solana.SignatureStatus, len(signatures))
	for i, s := range signatures {
		out[i] = c.Statuses[s]
	}
	return out, nil
}

// SentCount returns the number of submitted transactions.
func (c *RPCClient) SentCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Sent)
}

func cloneAccount(a *solana.AccountInfo) *solana.AccountInfo {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Data = append([]byte(nil), a.Data...)
	return &cp
}

var _ solana.RPCClient = (*RPCClient)(nil)
