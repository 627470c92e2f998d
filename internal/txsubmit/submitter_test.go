package txsubmit

import (
	"context"
	"encoding/base64"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dammdash/internal/cpamm"
	"dammdash/internal/domain"
	chain "dammdash/internal/solana"
	"dammdash/internal/solana/stub"
)

type fakeTracker struct {
	mu      sync.Mutex
	updated []solana.PublicKey
	removed []solana.PublicKey
}

func (f *fakeTracker) UpdatePosition(_ context.Context, address solana.PublicKey) (domain.PoolPositionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, address)
	return domain.PoolPositionInfo{PositionAddress: address}, nil
}

func (f *fakeTracker) RemovePosition(address solana.PublicKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, address)
	return true
}

var q64 = new(big.Int).Lsh(big.NewInt(1), 64)

func testPool() *cpamm.Pool {
	return &cpamm.Pool{
		TokenAMint:   solana.NewWallet().PublicKey(),
		TokenBMint:   solana.SolMint,
		TokenAVault:  solana.NewWallet().PublicKey(),
		TokenBVault:  solana.NewWallet().PublicKey(),
		TokenAFlag:   1,
		Liquidity:    new(big.Int).Lsh(big.NewInt(1_000_000), 64),
		SqrtPrice:    new(big.Int).Set(q64),
		SqrtMinPrice: new(big.Int).Rsh(q64, 1),
		SqrtMaxPrice: new(big.Int).Lsh(q64, 1),
	}
}

func testPosition(pool *cpamm.Pool, unlocked, vested, permanent int64) domain.PoolPositionInfo {
	nftMint := solana.NewWallet().PublicKey()
	return domain.PoolPositionInfo{
		PositionAddress:    cpamm.DerivePositionAddress(nftMint),
		PositionNftAccount: cpamm.DerivePositionNftAccount(nftMint),
		NftMint:            nftMint,
		PoolAddress:        solana.NewWallet().PublicKey(),
		Pool:               pool,
		Position: &cpamm.Position{
			NftMint:                  nftMint,
			UnlockedLiquidity:        new(big.Int).Lsh(big.NewInt(unlocked), 64),
			VestedLiquidity:          big.NewInt(vested),
			PermanentLockedLiquidity: big.NewInt(permanent),
		},
	}
}

type harness struct {
	rpc     *stub.RPCClient
	tracker *fakeTracker
	owner   solana.PrivateKey
	sub     *Submitter
}

func newHarness() *harness {
	rpc := stub.NewRPCClient()
	owner := solana.NewWallet().PrivateKey
	tracker := &fakeTracker{}
	return &harness{
		rpc:     rpc,
		tracker: tracker,
		owner:   owner,
		sub: NewSubmitter(Options{
			RPC:            rpc,
			Signer:         NewKeypairSigner(owner),
			Tracker:        tracker,
			ConfirmTimeout: 50 * time.Millisecond,
			PollInterval:   time.Millisecond,
		}),
	}
}

func (h *harness) confirm(sigs ...string) {
	for _, s := range sigs {
		h.rpc.Statuses[s] = &chain.SignatureStatus{ConfirmationStatus: "confirmed"}
	}
}

func (h *harness) sent(t *testing.T, i int) *solana.Transaction {
	t.Helper()
	require.Greater(t, len(h.rpc.Sent), i)
	raw, err := base64.StdEncoding.DecodeString(h.rpc.Sent[i])
	require.NoError(t, err)
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	require.NoError(t, err)
	require.NoError(t, tx.VerifySignatures())
	return tx
}

func programIDs(t *testing.T, tx *solana.Transaction) []solana.PublicKey {
	t.Helper()
	var out []solana.PublicKey
	for _, ix := range tx.Message.Instructions {
		id, err := tx.Message.Program(ix.ProgramIDIndex)
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}

func TestClaimFees_ReportsPerItem(t *testing.T) {
	h := newHarness()
	pool := testPool()
	ok := testPosition(pool, 10, 0, 0)
	noPool := testPosition(nil, 10, 0, 0)
	failing := testPosition(pool, 10, 0, 0)

	h.confirm("stub-sig-1")
	h.rpc.Statuses["stub-sig-2"] = &chain.SignatureStatus{Err: map[string]any{"InstructionError": []any{2, "Custom"}}}

	res := h.sub.ClaimFees(context.Background(), []domain.PoolPositionInfo{ok, noPool, failing})
	require.Len(t, res, 3)

	assert.NoError(t, res[0].Err)
	assert.Equal(t, "stub-sig-1", res[0].Signature)

	assert.ErrorIs(t, res[1].Err, ErrMissingPoolState)
	assert.Empty(t, res[1].Signature)

	var actionErr *ActionError
	require.ErrorAs(t, res[2].Err, &actionErr)
	assert.Equal(t, "claim_fee", actionErr.Action)
	assert.Equal(t, "stub-sig-2", actionErr.Signature)
	assert.Equal(t, failing.PositionAddress, actionErr.Position)

	assert.Equal(t, 2, h.rpc.SentCount())
	assert.Equal(t, []solana.PublicKey{ok.PositionAddress}, h.tracker.updated)

	tx := h.sent(t, 0)
	assert.Equal(t, []solana.PublicKey{
		solana.SPLAssociatedTokenAccountProgramID,
		solana.SPLAssociatedTokenAccountProgramID,
		cpamm.ProgramID,
	}, programIDs(t, tx))
	assert.Equal(t, h.owner.PublicKey(), tx.Message.AccountKeys[0])
}

func TestClosePositions(t *testing.T) {
	h := newHarness()
	pool := testPool()
	open := testPosition(pool, 10, 0, 0)
	vested := testPosition(pool, 10, 5, 0)
	permanent := testPosition(pool, 0, 0, 5)
	h.confirm("stub-sig-1")

	res := h.sub.ClosePositions(context.Background(), []domain.PoolPositionInfo{open, vested, permanent})

	require.NoError(t, res[0].Err)
	assert.ErrorIs(t, res[1].Err, ErrPositionLocked)
	assert.ErrorIs(t, res[2].Err, ErrPermanentlyLocked)
	assert.Equal(t, 1, h.rpc.SentCount())
	assert.Equal(t, []solana.PublicKey{open.PositionAddress}, h.tracker.removed)

	tx := h.sent(t, 0)
	ids := programIDs(t, tx)
	require.Len(t, ids, 5)
	for _, id := range ids[2:] {
		assert.Equal(t, cpamm.ProgramID, id)
	}
	closeIx := tx.Message.Instructions[4]
	assert.Equal(t, cpamm.IxClosePosition[:], []byte(closeIx.Data[:8]))
}

func TestClosePosition_EmptyPositionSkipsWithdraw(t *testing.T) {
	h := newHarness()
	empty := testPosition(testPool(), 0, 0, 0)
	h.confirm("stub-sig-1")

	_, err := h.sub.ClosePosition(context.Background(), empty)
	require.NoError(t, err)
	assert.Len(t, programIDs(t, h.sent(t, 0)), 4)
}

func TestRemoveAllLiquidity_Guards(t *testing.T) {
	pool := testPool()
	tests := []struct {
		name string
		info domain.PoolPositionInfo
		want error
	}{
		{"empty", testPosition(pool, 0, 0, 0), ErrNothingToWithdraw},
		{"vesting only", testPosition(pool, 0, 7, 0), ErrPositionLocked},
		{"permanent only", testPosition(pool, 0, 0, 7), ErrPermanentlyLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			_, err := h.sub.RemoveAllLiquidity(context.Background(), tt.info)
			assert.ErrorIs(t, err, tt.want)
			// rejected before touching the network
			assert.Equal(t, int64(0), h.rpc.Calls("getLatestBlockhash"))
			assert.Equal(t, 0, h.rpc.SentCount())
		})
	}
}

// pdaSigner claims a program derived address, which has no private key.
type pdaSigner struct{ key solana.PublicKey }

func (s pdaSigner) PublicKey() solana.PublicKey { return s.key }

func (s pdaSigner) SignTransaction(context.Context, *solana.Transaction) (*solana.Transaction, error) {
	return nil, errors.New("cannot sign")
}

func (s pdaSigner) SignAllTransactions(context.Context, []*solana.Transaction) ([]*solana.Transaction, error) {
	return nil, errors.New("cannot sign")
}

func TestClaimFees_RejectsOffCurveSigner(t *testing.T) {
	rpc := stub.NewRPCClient()
	sub := NewSubmitter(Options{
		RPC:    rpc,
		Signer: pdaSigner{key: cpamm.DerivePoolAuthority()},
	})

	res := sub.ClaimFees(context.Background(), []domain.PoolPositionInfo{testPosition(testPool(), 5, 0, 0)})
	require.Len(t, res, 1)
	assert.ErrorIs(t, res[0].Err, ErrSignerOffCurve)
	assert.Equal(t, int64(0), rpc.Calls("getLatestBlockhash"))
	assert.Equal(t, 0, rpc.SentCount())
}

func TestRemoveAllLiquidity_PartiallyLocked(t *testing.T) {
	h := newHarness()
	info := testPosition(testPool(), 10, 0, 3)
	h.confirm("stub-sig-1")

	sig, err := h.sub.RemoveAllLiquidity(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, "stub-sig-1", sig)
	assert.Equal(t, []solana.PublicKey{info.PositionAddress}, h.tracker.updated)
}

func TestDeposit(t *testing.T) {
	h := newHarness()
	info := testPosition(testPool(), 10, 0, 0)

	_, err := h.sub.Deposit(context.Background(), info, 0, 0)
	assert.ErrorIs(t, err, ErrNothingToDeposit)

	h.confirm("stub-sig-1")
	_, err = h.sub.Deposit(context.Background(), info, 1_000_000, 1_000_000)
	require.NoError(t, err)

	tx := h.sent(t, 0)
	add := tx.Message.Instructions[2]
	assert.Equal(t, cpamm.IxAddLiquidity[:], []byte(add.Data[:8]))
}

func TestCreatePosition_SignedByMintAndOwner(t *testing.T) {
	h := newHarness()
	h.confirm("stub-sig-1")

	position, sig, err := h.sub.CreatePosition(context.Background(), solana.NewWallet().PublicKey(), testPool(), 1_000_000, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, "stub-sig-1", sig)
	assert.False(t, position.IsZero())

	tx := h.sent(t, 0)
	assert.Equal(t, 2, int(tx.Message.Header.NumRequiredSignatures))
	assert.Len(t, tx.Signatures, 2)
}

func TestConfirmationTimeout(t *testing.T) {
	h := newHarness()
	info := testPosition(testPool(), 10, 0, 0)

	_, err := h.sub.ClaimFee(context.Background(), info)
	assert.ErrorIs(t, err, ErrConfirmationExpiry)
	assert.Empty(t, h.tracker.updated)
}

func TestSendFailureIsActionError(t *testing.T) {
	h := newHarness()
	h.rpc.SetError("sendTransaction", errors.New("insufficient funds for fee"))

	_, err := h.sub.ClaimFee(context.Background(), testPosition(testPool(), 10, 0, 0))
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Contains(t, actionErr.Message, "insufficient funds")
}

func TestKeypairSigner_RejectsForeignTransaction(t *testing.T) {
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)
	other := solana.NewWallet().PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{cpamm.NewCreateATAIdempotentInstruction(other, other, solana.SolMint, solana.TokenProgramID)},
		solana.Hash{1},
		solana.TransactionPayer(other),
	)
	require.NoError(t, err)

	_, err = signer.SignTransaction(context.Background(), tx)
	assert.Error(t, err)
}
