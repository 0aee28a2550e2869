package telemetry

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Field locations, most specific first. Quai blocks nest the work object
// header and body; plain Ethereum-style headers carry the fields at the top.
var (
	numberPaths = [][]string{
		{"woHeader", "number"},
		{"header", "number"},
		{"number"},
	}
	difficultyPaths = [][]string{
		{"woBody", "header", "minerDifficulty"},
		{"header", "minerDifficulty"},
		{"minerDifficulty"},
		{"woHeader", "difficulty"},
		{"difficulty"},
	}
	exchangeRatePaths = [][]string{
		{"header", "exchangeRate"},
		{"woBody", "header", "exchangeRate"},
		{"exchangeRate"},
	}
	discountPaths = [][]string{
		{"header", "kQuaiDiscount"},
		{"woBody", "header", "kQuaiDiscount"},
		{"kQuaiDiscount"},
	}
)

// blockInfo holds the decoded fields of a block or head. Nil means absent.
type blockInfo struct {
	Number       uint64
	HasNumber    bool
	Difficulty   *big.Int
	ExchangeRate *big.Int
	Discount     *big.Int
}

func parseBlock(raw json.RawMessage) (blockInfo, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return blockInfo{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var info blockInfo
	if s, ok := lookup(doc, numberPaths); ok {
		n, err := hexutil.DecodeUint64(s)
		if err != nil {
			return blockInfo{}, fmt.Errorf("%w: number %q: %v", ErrMalformed, s, err)
		}
		info.Number, info.HasNumber = n, true
	}

	var err error
	if info.Difficulty, err = lookupBig(doc, difficultyPaths, "difficulty"); err != nil {
		return blockInfo{}, err
	}
	if info.ExchangeRate, err = lookupBig(doc, exchangeRatePaths, "exchangeRate"); err != nil {
		return blockInfo{}, err
	}
	if info.Discount, err = lookupBig(doc, discountPaths, "kQuaiDiscount"); err != nil {
		return blockInfo{}, err
	}
	return info, nil
}

func lookupBig(doc map[string]any, paths [][]string, field string) (*big.Int, error) {
	s, ok := lookup(doc, paths)
	if !ok {
		return nil, nil
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", ErrMalformed, field, s, err)
	}
	return v, nil
}

func lookup(doc map[string]any, paths [][]string) (string, bool) {
	for _, path := range paths {
		var cur any = doc
		for _, key := range path {
			m, ok := cur.(map[string]any)
			if !ok {
				cur = nil
				break
			}
			cur = m[key]
		}
		if s, ok := cur.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
