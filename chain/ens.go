package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/net/idna"
)

// ENSRegistry is the ENS registry on mainnet
var ENSRegistry = common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")

var (
	// ErrNoResolver is returned when a name has no resolver set
	ErrNoResolver = errors.New("no resolver")

	// ErrNameNotFound is returned when a name or address has no record
	ErrNameNotFound = errors.New("name not found")
)

const reverseSuffix = "addr.reverse"

var (
	registryABI = MustParseABI(`[
		{"type":"function","name":"resolver","stateMutability":"view",
		 "inputs":[{"name":"node","type":"bytes32"}],
		 "outputs":[{"name":"","type":"address"}]}
	]`)

	resolverABI = MustParseABI(`[
		{"type":"function","name":"addr","stateMutability":"view",
		 "inputs":[{"name":"node","type":"bytes32"}],
		 "outputs":[{"name":"","type":"address"}]},
		{"type":"function","name":"name","stateMutability":"view",
		 "inputs":[{"name":"node","type":"bytes32"}],
		 "outputs":[{"name":"","type":"string"}]}
	]`)

	ensProfile = idna.New(
		idna.MapForLookup(),
		idna.Transitional(false),
		idna.StrictDomainName(false),
	)
)

// NormalizeName lowercases and maps name the way ENS names are
// normalized before hashing.
func NormalizeName(name string) (string, error) {
	normalized, err := ensProfile.ToUnicode(name)
	if err != nil {
		return "", fmt.Errorf("invalid ENS name %q: %w", name, err)
	}
	return normalized, nil
}

// NameHash computes the ENS namehash of an already normalized name
func NameHash(name string) [32]byte {
	var node [32]byte
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		copy(node[:], crypto.Keccak256(node[:], labelHash))
	}
	return node
}

// ENS resolves names against an ENS registry
type ENS struct {
	caller   Caller
	registry common.Address
}

// NewENS returns an ENS resolver using the mainnet registry
func NewENS(caller Caller) *ENS {
	return &ENS{caller: caller, registry: ENSRegistry}
}

// Resolve returns the address a name points to
func (e *ENS) Resolve(ctx context.Context, name string) (common.Address, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return common.Address{}, err
	}
	node := NameHash(normalized)

	resolver, err := e.resolver(ctx, node)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", normalized, err)
	}
	addr, err := callAddress(ctx, e.caller, resolverABI, resolver, "addr", node)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", normalized, err)
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: %w", normalized, ErrNameNotFound)
	}
	return addr, nil
}

// LookupAddress returns the primary name of addr. The name is only
// returned when it resolves back to addr.
func (e *ENS) LookupAddress(ctx context.Context, addr common.Address) (string, error) {
	reverseName := strings.ToLower(addr.Hex()[2:]) + "." + reverseSuffix
	node := NameHash(reverseName)

	resolver, err := e.resolver(ctx, node)
	if err != nil {
		return "", fmt.Errorf("%s: %w", addr.Hex(), err)
	}
	values, err := Call(ctx, e.caller, resolverABI, resolver, "name", node)
	if err != nil {
		return "", fmt.Errorf("%s: %w", addr.Hex(), err)
	}
	name, _ := values[0].(string)
	if name == "" {
		return "", fmt.Errorf("%s: %w", addr.Hex(), ErrNameNotFound)
	}

	forward, err := e.Resolve(ctx, name)
	if err != nil {
		return "", err
	}
	if forward != addr {
		return "", fmt.Errorf("%s: %s resolves to %s: %w", addr.Hex(), name, forward.Hex(), ErrNameNotFound)
	}
	return name, nil
}

func (e *ENS) resolver(ctx context.Context, node [32]byte) (common.Address, error) {
	resolver, err := callAddress(ctx, e.caller, registryABI, e.registry, "resolver", node)
	if err != nil {
		return common.Address{}, err
	}
	if resolver == (common.Address{}) {
		return common.Address{}, ErrNoResolver
	}
	return resolver, nil
}

func callAddress(
	ctx context.Context,
	caller Caller,
	contractABI abi.ABI,
	contract common.Address,
	method string,
	args ...any,
) (common.Address, error) {
	values, err := Call(ctx, caller, contractABI, contract, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected output type %T", method, values[0])
	}
	return addr, nil
}
