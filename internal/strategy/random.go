package strategy

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// Random selects uniformly over the candidate set using a
// cryptographically sourced index, matching the pack's Selector
// convention of crypto/rand over math/rand for proxy choice.
type Random struct{}

// NewRandom builds a random strategy. It is stateless and safe to share.
func NewRandom() *Random { return &Random{} }

func (s *Random) Select(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) (*proxytypes.Proxy, error) {
	candidates = filterExcluded(candidates, ctx)
	if len(candidates) == 0 {
		return nil, proxytypes.ErrProxyPoolEmpty
	}
	idx, err := randIndex(len(candidates))
	if err != nil {
		return nil, fmt.Errorf("random selection failed: %w", err)
	}
	px := candidates[idx]
	px.StartRequest()
	return px, nil
}

func (s *Random) RecordResult(px *proxytypes.Proxy, success bool, responseTimeMs float64) {
	recordDefault(px, success, responseTimeMs, proxytypes.DefaultStrategyConfig())
}

func (s *Random) Configure(proxytypes.StrategyConfig) {}

func randIndex(n int) (int, error) {
	if n == 1 {
		return 0, nil
	}
	bigIdx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(bigIdx.Int64()), nil
}
