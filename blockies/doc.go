// Package blockies is an offline batch that matches payment lines posted
// in a verification channel against the Ethereum addresses users posted in
// an address channel, and posts each address with its blockies identicon.
//
// Messages read from the address channel, rendered identicons, and what
// has been posted are kept in a gorm database (sqlite or postgres), so
// each run only reads messages newer than the last one stored.
package blockies
