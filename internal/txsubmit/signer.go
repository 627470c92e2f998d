package txsubmit

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer returns signed, ready-to-send transactions for one wallet.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
	SignAllTransactions(ctx context.Context, txs []*solana.Transaction) ([]*solana.Transaction, error)
}

// KeypairSigner signs with a local private key.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSigner creates a signer for key.
func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

// PublicKey returns the wallet address.
func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// SignTransaction adds the wallet's signature to tx.
func (s *KeypairSigner) SignTransaction(_ context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if err := signWith(tx, s.key); err != nil {
		return nil, err
	}
	return tx, nil
}

// SignAllTransactions signs every transaction, failing on the first error.
func (s *KeypairSigner) SignAllTransactions(ctx context.Context, txs []*solana.Transaction) ([]*solana.Transaction, error) {
	out := make([]*solana.Transaction, len(txs))
	for i, tx := range txs {
		signed, err := s.SignTransaction(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		out[i] = signed
	}
	return out, nil
}

// signWith places key's signature in the slot of its signer position, leaving
// other signatures untouched.
func signWith(tx *solana.Transaction, key solana.PrivateKey) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	n := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) < n {
		sigs := make([]solana.Signature, n)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	pub := key.PublicKey()
	for i := 0; i < n && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(pub) {
			tx.Signatures[i] = sig
			return nil
		}
	}
	return fmt.Errorf("%s is not a required signer", pub)
}
