package blockies

import (
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/ethereum/go-ethereum/common"
)

const paymentsHeader = "**Payments**"

// Reasons a payment line can't be matched to a known address
const (
	ReasonStruckThrough    = "struck through"
	ReasonNoAddress        = "no address or ENS"
	ReasonUnknown          = "address or ENS unknown"
	ReasonMultipleMatching = "multiple distinct addresses"
)

var (
	addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)

	// ENS candidates are matched loosely and confirmed by resolving them
	ensPattern = regexp.MustCompile(`\S+\.eth`)
)

// AddressIcon is a user's address, as posted in the address channel, with
// its reverse-resolved ENS name.
type AddressIcon struct {
	UserID   string
	UserName string
	Address  common.Address

	// ENS is the address's primary name, if it has one
	ENS string

	// PossibleENS is the ENS candidate found in the message, if any
	PossibleENS string

	// MessageID is the message the address was posted in
	MessageID string

	png []byte
}

// matches reports whether a payment line mentioning lineAddr or lineENS
// (both lowercase, possibly empty) refers to this address.
func (a AddressIcon) matches(lineAddr, lineENS string) bool {
	switch {
	case lineAddr != "" && lineAddr == strings.ToLower(a.Address.Hex()):
		return true
	case lineENS == "":
		return false
	case a.ENS != "" && lineENS == strings.ToLower(a.ENS):
		return true
	default:
		return a.PossibleENS != "" && lineENS == strings.ToLower(a.PossibleENS)
	}
}

// PaymentItem is a classified payment line. Match is set when Reason is
// empty.
type PaymentItem struct {
	Line   string
	Reason string
	Match  *AddressIcon
}

// ClassifyPayment matches one payment line against the known addresses
func ClassifyPayment(line string, icons []AddressIcon) PaymentItem {
	if strings.HasPrefix(line, "~~") && strings.HasSuffix(line, "~~") && len(line) > 4 {
		return PaymentItem{Line: line, Reason: ReasonStruckThrough}
	}
	lineAddr := strings.ToLower(addressPattern.FindString(line))
	lineENS := strings.ToLower(ensPattern.FindString(line))
	if lineAddr == "" && lineENS == "" {
		return PaymentItem{Line: line, Reason: ReasonNoAddress}
	}

	var matching []AddressIcon
	for _, icon := range icons {
		if icon.matches(lineAddr, lineENS) {
			matching = append(matching, icon)
		}
	}
	switch len(matching) {
	case 0:
		return PaymentItem{Line: line, Reason: ReasonUnknown}
	case 1:
		return PaymentItem{Line: line, Match: &matching[0]}
	default:
		return PaymentItem{Line: line, Reason: ReasonMultipleMatching}
	}
}

// FindPaymentMessage returns the first message that starts with the
// payments header or was posted by adminID, or nil.
func FindPaymentMessage(messages []*discordgo.Message, adminID string) *discordgo.Message {
	for _, m := range messages {
		if strings.HasPrefix(m.Content, paymentsHeader) || (m.Author != nil && adminID != "" && m.Author.ID == adminID) {
			return m
		}
	}
	return nil
}

// PaymentLines splits a payment message into lines, without the header
func PaymentLines(content string) []string {
	lines := strings.Split(content, "\n")
	if strings.HasPrefix(lines[0], paymentsHeader) {
		lines = lines[1:]
	}
	return lines
}
