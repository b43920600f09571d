// Package chain reads Ethereum contract state over JSON-RPC: uint256 view
// calls for exchange rates, and ENS forward and reverse resolution.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Caller is the subset of an Ethereum client needed for view calls.
// *ethclient.Client implements it.
type Caller = ethereum.ContractCaller

// ErrEmptyResult is returned when a call returns no data, usually because
// there's no contract at the address.
var ErrEmptyResult = errors.New("empty call result")

// Dial connects to the JSON-RPC endpoint at rawurl
func Dial(ctx context.Context, rawurl string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("error connecting to RPC: %w", err)
	}
	return client, nil
}

// MustParseABI parses a JSON ABI, panicking on error. Meant for package
// level ABI definitions.
func MustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// Call packs a call to method on contract, executes it against the latest
// block and returns the unpacked outputs.
func Call(
	ctx context.Context,
	caller Caller,
	contractABI abi.ABI,
	contract common.Address,
	method string,
	args ...any,
) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: error packing call: %w", method, err)
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", method, ErrEmptyResult)
	}
	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%s: error unpacking result: %w", method, err)
	}
	return values, nil
}

// CallUint256 calls a view method returning a single uint256
func CallUint256(
	ctx context.Context,
	caller Caller,
	contractABI abi.ABI,
	contract common.Address,
	method string,
	args ...any,
) (*big.Int, error) {
	values, err := Call(ctx, caller, contractABI, contract, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: expected 1 output, got %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, values[0])
	}
	return v, nil
}
