package solana

import "context"

// SignaturePageSize is the getSignaturesForAddress page limit.
const SignaturePageSize = 1000

// GetAllSignaturesForAddress pages backwards through the full signature history
// of address, newest first, until a short page is returned.
func GetAllSignaturesForAddress(ctx context.Context, client RPCClient, address string) ([]SignatureInfo, error) {
	var all []SignatureInfo
	opts := &SignaturesOpts{Limit: SignaturePageSize}

	for {
		page, err := client.GetSignaturesForAddress(ctx, address, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < SignaturePageSize {
			return all, nil
		}
		opts = &SignaturesOpts{Before: page[len(page)-1].Signature, Limit: SignaturePageSize}
	}
}
