// Package bencode implements a minimal streaming bencode codec: the
// four token types of the format (integer, byte string, list,
// dictionary), a pull-style Decoder, and a Marshal encoder whose dictionary
// keys are always emitted in lexicographic byte order. Tracker
// compatibility and the info-hash computation both depend on this
// codec's exact semantics (§4.1), so it does not wrap a third-party
// bencode library.
package bencode

import "gotorrent/xerr"

// TokenKind identifies which of the four bencode productions a Token
// holds.
type TokenKind int

const (
	TokenInt TokenKind = iota
	TokenString
	TokenListStart
	TokenDictStart
	TokenEnd
)

// Token is one pull-decoded unit. For TokenInt, Int is valid; for
// TokenString, Str is valid; TokenListStart/TokenDictStart/TokenEnd
// carry no payload and simply bracket nested values.
type Token struct {
	Kind TokenKind
	Int  int64
	Str  []byte
}

func errToken(op string, err error) error {
	return xerr.New(xerr.KindInvalidToken, op, err)
}
