package position

import (
	"fmt"

	"github.com/freeeve/pgn/v3"
)

// Move packs a move into a uint32:
//
//	bits 0-5:   from square (a1=0 ... h8=63)
//	bits 6-11:  to square
//	bits 12-14: promotion piece (0=none, 1=Q, 2=R, 3=B, 4=N)
type Move uint32

const (
	moveFromMask   = 0x3F
	moveToMask     = 0xFC0
	movePromoMask  = 0x7000
	moveToShift    = 6
	movePromoShift = 12
)

// Promotion piece codes.
const (
	PromoNone   = 0
	PromoQueen  = 1
	PromoRook   = 2
	PromoBishop = 3
	PromoKnight = 4
)

var promoChars = []byte{'q', 'r', 'b', 'n'}

// EncodeMove builds a Move; out-of-range squares yield the zero Move.
func EncodeMove(from, to int, promo byte) Move {
	if from < 0 || from > 63 || to < 0 || to > 63 {
		return 0
	}
	return Move(uint32(from) | uint32(to)<<moveToShift | uint32(promo)<<movePromoShift)
}

// DecodeMove splits m into its squares and promotion piece.
func DecodeMove(m Move) (from, to int, promo byte) {
	return m.From(), m.To(), m.Promotion()
}

func (m Move) From() int { return int(m & moveFromMask) }

func (m Move) To() int { return int((m & moveToMask) >> moveToShift) }

func (m Move) Promotion() byte { return byte((m & movePromoMask) >> movePromoShift) }

// UCI renders the move in long algebraic form, e.g. e2e4 or e7e8q.
func (m Move) UCI() string {
	from, to, promo := DecodeMove(m)
	b := []byte{
		byte('a' + from%8), byte('1' + from/8),
		byte('a' + to%8), byte('1' + to/8),
	}
	if promo > 0 && promo <= 4 {
		b = append(b, promoChars[promo-1])
	}
	return string(b)
}

// ParseUCI parses a long algebraic move such as e2e4 or a7a8q.
func ParseUCI(uci string) (Move, error) {
	if len(uci) < 4 || len(uci) > 5 {
		return 0, fmt.Errorf("invalid UCI move %q", uci)
	}
	fromFile, fromRank := int(uci[0])-'a', int(uci[1])-'1'
	toFile, toRank := int(uci[2])-'a', int(uci[3])-'1'
	if fromFile < 0 || fromFile > 7 || fromRank < 0 || fromRank > 7 {
		return 0, fmt.Errorf("invalid from square in UCI move %q", uci)
	}
	if toFile < 0 || toFile > 7 || toRank < 0 || toRank > 7 {
		return 0, fmt.Errorf("invalid to square in UCI move %q", uci)
	}

	var promo byte = PromoNone
	if len(uci) == 5 {
		switch uci[4] {
		case 'q', 'Q':
			promo = PromoQueen
		case 'r', 'R':
			promo = PromoRook
		case 'b', 'B':
			promo = PromoBishop
		case 'n', 'N':
			promo = PromoKnight
		default:
			return 0, fmt.Errorf("invalid promotion piece in UCI move %q", uci)
		}
	}
	return EncodeMove(fromRank*8+fromFile, toRank*8+toFile, promo), nil
}

// FromPGN converts a move produced by the replay library.
func FromPGN(mv pgn.Mv) Move {
	var promo byte
	switch mv.Promo {
	case pgn.PromoQueen:
		promo = PromoQueen
	case pgn.PromoRook:
		promo = PromoRook
	case pgn.PromoBishop:
		promo = PromoBishop
	case pgn.PromoKnight:
		promo = PromoKnight
	}
	return EncodeMove(int(mv.From), int(mv.To), promo)
}
