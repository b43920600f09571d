// Package bot implements Discord slash-command bots served over Discord's
// outgoing webhook (HTTP interactions) endpoint.
//
// Each bot serves a single Command. An interaction is acknowledged
// immediately with a deferred response carrying the command's pending
// message, and the command's result is sent afterwards by editing that
// response. Failures are reported to the user as a short message.
//
// Commands:
//
//   - VesselCommand: position, destination and ETA of a vessel, looked up
//     by IMO number, optionally with a cached static map of its position.
//   - LSDCommand: primary (on-chain) and secondary (market) exchange rates
//     of liquid staking tokens, with the premium or discount between them.
//
// Supporting pieces:
//
//   - SerialLimiter: runs calls to rate-limited APIs one at a time, in
//     submission order, with a minimum delay between them.
//   - MapCache: a bounded, insertion-ordered cache of map images, served
//     by the webhook server under /map/.
package bot
