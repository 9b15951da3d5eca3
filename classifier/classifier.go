// Package classifier maps a JSON-RPC call to its cache policy and cache key.
//
// Classification is a pure function of (method, params). The policy decides
// whether a reply may be reused and for how long:
//   - Never: state-changing or streaming methods, always forwarded live
//   - Immutable: replies that never change once produced (receipts, blocks
//     addressed by hash, chain identity)
//   - ChainTip: replies that track the head of the chain and go stale
//     within a couple of blocks
//
// Unknown methods default to ChainTip: a short TTL is the safe assumption
// for anything the table does not recognize.
package classifier

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/O-tero/rpcproxy/pkg/utils"
)

// Policy is the caching discipline for one call.
type Policy int

const (
	// PolicyNever bypasses the cache entirely.
	PolicyNever Policy = iota
	// PolicyImmutable caches for ImmutableTTL.
	PolicyImmutable
	// PolicyChainTip caches for the configured chain-tip TTL.
	PolicyChainTip
)

// ImmutableTTL is the fixed lifetime of immutable entries.
const ImmutableTTL = 1 * time.Hour

func (p Policy) String() string {
	switch p {
	case PolicyNever:
		return "never"
	case PolicyImmutable:
		return "immutable"
	case PolicyChainTip:
		return "chain-tip"
	default:
		return "unknown"
	}
}

// TTL returns the entry lifetime under this policy. chainTipTTL is the
// configured default; PolicyNever returns 0.
func (p Policy) TTL(chainTipTTL time.Duration) time.Duration {
	switch p {
	case PolicyImmutable:
		return ImmutableTTL
	case PolicyChainTip:
		return chainTipTTL
	default:
		return 0
	}
}

// neverMethods are forwarded live, always.
var neverMethods = map[string]struct{}{
	"eth_sendRawTransaction": {},
	"eth_sendTransaction":    {},
	"eth_subscribe":          {},
	"eth_unsubscribe":        {},
}

// neverPrefixes extend the never set to whole namespaces.
var neverPrefixes = []string{"personal_", "debug_", "trace_"}

// immutableMethods produce replies that never change once available.
var immutableMethods = map[string]struct{}{
	"eth_getTransactionReceipt":             {},
	"eth_getTransactionByHash":              {},
	"eth_getBlockByHash":                    {},
	"eth_chainId":                           {},
	"net_version":                           {},
	"web3_clientVersion":                    {},
	"eth_getCode":                           {},
	"eth_getTransactionByBlockHashAndIndex": {},
}

// Classify returns the cache policy for a call and, for cacheable policies,
// the deterministic cache key. The key is empty for PolicyNever and when the
// params are not valid JSON (which also forces PolicyNever, since such a
// request cannot be fingerprinted safely).
func Classify(method string, params json.RawMessage) (Policy, string) {
	policy := policyFor(method, params)
	if policy == PolicyNever {
		return PolicyNever, ""
	}

	key, err := utils.CacheKey(method, params)
	if err != nil {
		return PolicyNever, ""
	}
	return policy, key
}

func policyFor(method string, params json.RawMessage) Policy {
	if _, ok := neverMethods[method]; ok {
		return PolicyNever
	}
	for _, prefix := range neverPrefixes {
		if strings.HasPrefix(method, prefix) {
			return PolicyNever
		}
	}

	if _, ok := immutableMethods[method]; ok {
		return PolicyImmutable
	}

	switch method {
	case "eth_getBlockByNumber":
		if tag, ok := firstStringParam(params); ok && isHexQuantity(tag) {
			return PolicyImmutable
		}
		return PolicyChainTip

	case "eth_getLogs":
		if filterHasBlockHash(params) {
			return PolicyImmutable
		}
		return PolicyChainTip
	}

	return PolicyChainTip
}

// firstStringParam extracts params[0] when it is a JSON string.
func firstStringParam(params json.RawMessage) (string, bool) {
	var list []json.RawMessage
	if err := json.Unmarshal(params, &list); err != nil || len(list) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(list[0], &s); err != nil {
		return "", false
	}
	return s, true
}

// isHexQuantity reports whether the tag is a concrete block number rather
// than a named tag like "latest" or "pending".
func isHexQuantity(tag string) bool {
	_, err := hexutil.DecodeUint64(tag)
	return err == nil
}

// filterHasBlockHash reports whether an eth_getLogs filter pins a specific
// block by hash, which makes the result immutable.
func filterHasBlockHash(params json.RawMessage) bool {
	var list []json.RawMessage
	if err := json.Unmarshal(params, &list); err != nil || len(list) == 0 {
		return false
	}
	var filter struct {
		BlockHash *string `json:"blockHash"`
	}
	if err := json.Unmarshal(list[0], &filter); err != nil {
		return false
	}
	return filter.BlockHash != nil
}
