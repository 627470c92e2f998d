package solana

import "context"

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	// SubscribeProgram subscribes to account changes of accounts owned by a program.
	// The returned channel is closed when the subscription is torn down.
	SubscribeProgram(ctx context.Context, filter ProgramFilter) (<-chan AccountNotification, error)

	// Close closes the WebSocket connection.
	Close() error
}

// ProgramFilter defines subscription filter for programSubscribe.
type ProgramFilter struct {
	Program  string
	DataSize uint64
	Memcmp   []MemcmpFilter
}

// AccountNotification represents a programNotification message.
type AccountNotification struct {
	Pubkey string
	Slot   int64
	Owner  string
	Data   []byte
}
