package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errReverted = errors.New("execution reverted")

// stubCaller answers calls from a table keyed by target and calldata
type stubCaller struct {
	mu        sync.Mutex
	responses map[string][]byte
	calls     int
}

func newStubCaller() *stubCaller {
	return &stubCaller{responses: map[string][]byte{}}
}

func (s *stubCaller) CallContract(
	_ context.Context,
	msg ethereum.CallMsg,
	_ *big.Int,
) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out, ok := s.responses[msg.To.Hex()+":"+hexutil.Encode(msg.Data)]
	if !ok {
		return nil, errReverted
	}
	return out, nil
}

func (s *stubCaller) expect(
	t testing.TB,
	to common.Address,
	contractABI abi.ABI,
	method string,
	args []any,
	results ...any,
) {
	t.Helper()
	data, err := contractABI.Pack(method, args...)
	require.NoError(t, err)
	out, err := contractABI.Methods[method].Outputs.Pack(results...)
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[to.Hex()+":"+hexutil.Encode(data)] = out
}

func TestNameHash(t *testing.T) {
	assert.Equal(t, [32]byte{}, NameHash(""))
	assert.Equal(
		t,
		common.HexToHash("0x93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"),
		common.Hash(NameHash("eth")),
	)
	assert.Equal(
		t,
		common.HexToHash("0xde9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f"),
		common.Hash(NameHash("foo.eth")),
	)
}

func TestNormalizeName(t *testing.T) {
	name, err := NormalizeName("Ramana.ETH")
	require.NoError(t, err)
	assert.Equal(t, "ramana.eth", name)
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		value    string
		decimals int
		want     string
	}{
		{"1000000000000000000", 18, "1.0"},
		{"1100000000000000000", 18, "1.1"},
		{"1093810000000000000", 18, "1.09381"},
		{"1", 18, "0.000000000000000001"},
		{"0", 18, "0.0"},
		{"-1500000000000000000", 18, "-1.5"},
		{"9090", 3, "9.09"},
		{"12", 3, "0.012"},
		{"42", 0, "42.0"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			v, ok := new(big.Int).SetString(tt.value, 10)
			require.True(t, ok)
			assert.Equal(t, tt.want, FormatUnits(v, tt.decimals))
		})
	}
}

func TestTruncateUnits(t *testing.T) {
	v, _ := new(big.Int).SetString("1093812345678901234", 10)
	assert.Equal(t, "1.093812", FormatEther(TruncateUnits(v, 12)))
	assert.Equal(t, "1.0", FormatEther(TruncateUnits(OneEther(), 12)))
}

func TestCallUint256(t *testing.T) {
	rateABI := MustParseABI(`[
		{"type":"function","name":"getRate","stateMutability":"view",
		 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"convertToAssets","stateMutability":"view",
		 "inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
	]`)
	contract := common.HexToAddress("0xcd5fe23c85820f7b72d0926fc9b05b43e359b7ee")
	caller := newStubCaller()
	rate := big.NewInt(1_040_000_000_000_000_000)
	caller.expect(t, contract, rateABI, "getRate", nil, rate)
	caller.expect(t, contract, rateABI, "convertToAssets", []any{OneEther()}, big.NewInt(1_020_000_000_000_000_000))

	ctx := context.Background()
	got, err := CallUint256(ctx, caller, rateABI, contract, "getRate")
	require.NoError(t, err)
	assert.Equal(t, 0, rate.Cmp(got))

	got, err = CallUint256(ctx, caller, rateABI, contract, "convertToAssets", OneEther())
	require.NoError(t, err)
	assert.Equal(t, "1.02", FormatEther(got))

	_, err = CallUint256(ctx, caller, rateABI, common.Address{}, "getRate")
	assert.ErrorIs(t, err, errReverted)
}

func TestENSResolveAndLookup(t *testing.T) {
	ctx := context.Background()
	caller := newStubCaller()
	ens := NewENS(caller)

	resolver := common.HexToAddress("0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63")
	owner := common.HexToAddress("0x65FE89a480bdB998F4116DAf2A9360632554092c")
	node := NameHash("ramana.eth")
	reverseNode := NameHash("65fe89a480bdb998f4116daf2a9360632554092c.addr.reverse")

	caller.expect(t, ENSRegistry, registryABI, "resolver", []any{node}, resolver)
	caller.expect(t, resolver, resolverABI, "addr", []any{node}, owner)
	caller.expect(t, ENSRegistry, registryABI, "resolver", []any{reverseNode}, resolver)
	caller.expect(t, resolver, resolverABI, "name", []any{reverseNode}, "ramana.eth")

	addr, err := ens.Resolve(ctx, "Ramana.eth")
	require.NoError(t, err)
	assert.Equal(t, owner, addr)

	name, err := ens.LookupAddress(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "ramana.eth", name)
}

func TestENSResolveNoResolver(t *testing.T) {
	caller := newStubCaller()
	node := NameHash("nobody.eth")
	caller.expect(t, ENSRegistry, registryABI, "resolver", []any{node}, common.Address{})

	_, err := NewENS(caller).Resolve(context.Background(), "nobody.eth")
	assert.ErrorIs(t, err, ErrNoResolver)
}

func TestENSLookupAddressMismatch(t *testing.T) {
	ctx := context.Background()
	caller := newStubCaller()
	ens := NewENS(caller)

	resolver := common.HexToAddress("0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63")
	claimant := common.HexToAddress("0x1111111111111111111111111111111111111111")
	owner := common.HexToAddress("0x2222222222222222222222222222222222222222")
	node := NameHash("someone.eth")
	reverseNode := NameHash("1111111111111111111111111111111111111111.addr.reverse")

	caller.expect(t, ENSRegistry, registryABI, "resolver", []any{reverseNode}, resolver)
	caller.expect(t, resolver, resolverABI, "name", []any{reverseNode}, "someone.eth")
	caller.expect(t, ENSRegistry, registryABI, "resolver", []any{node}, resolver)
	caller.expect(t, resolver, resolverABI, "addr", []any{node}, owner)

	_, err := ens.LookupAddress(ctx, claimant)
	assert.ErrorIs(t, err, ErrNameNotFound)
}
