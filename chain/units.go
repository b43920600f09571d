package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

// EtherDecimals is the number of decimals in one ether
const EtherDecimals = 18

// OneEther returns 1e18 wei
func OneEther() *big.Int {
	return big.NewInt(params.Ether)
}

// FormatUnits renders v as a decimal with the given number of decimals.
// Trailing zeros are trimmed from the fraction, which always keeps at
// least one digit: 1e18 with 18 decimals is "1.0".
func FormatUnits(v *big.Int, decimals int) string {
	digits := new(big.Int).Abs(v).String()
	if decimals <= 0 {
		digits += ".0"
	} else {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
		whole := digits[:len(digits)-decimals]
		frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
		if frac == "" {
			frac = "0"
		}
		digits = whole + "." + frac
	}
	if v.Sign() < 0 {
		return "-" + digits
	}
	return digits
}

// FormatEther renders wei as ether
func FormatEther(wei *big.Int) string {
	return FormatUnits(wei, EtherDecimals)
}

// TruncateUnits rounds v toward zero to a multiple of 10^places
func TruncateUnits(v *big.Int, places int) *big.Int {
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places)), nil)
	rem := new(big.Int).Rem(v, unit)
	return new(big.Int).Sub(v, rem)
}
