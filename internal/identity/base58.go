package identity

import (
	"errors"
	"math/big"
)

// ErrInvalidBase58 is returned by DecodeBase58 for characters outside
// the alphabet.
var ErrInvalidBase58 = errors.New("identity: invalid base58 string")

var base58DecodeMap = func() map[byte]int64 {
	m := make(map[byte]int64, len(base58Alphabet))
	for i := 0; i < len(base58Alphabet); i++ {
		m[base58Alphabet[i]] = int64(i)
	}
	return m
}()

// base58 is not carried by any dependency in the retrieved example pack
// (wallet rendering elsewhere in the corpus uses hex/base64), so this is
// a small local alphabet-table encoder rather than an imported library.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Radix = big.NewInt(58)

// EncodeBase58 renders b using the Bitcoin/Solana base58 alphabet,
// preserving leading-zero bytes as leading '1' characters.
func EncodeBase58(b []byte) string {
	zero := byte(0)
	leadingZeros := 0
	for leadingZeros < len(b) && b[leadingZeros] == zero {
		leadingZeros++
	}

	n := new(big.Int).SetBytes(b)
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base58Radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for i := 0; i < leadingZeros; i++ {
		out = append(out, base58Alphabet[0])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// DecodeBase58 parses a base58 string produced by EncodeBase58 back
// into its original bytes, preserving leading '1' characters as
// leading zero bytes.
func DecodeBase58(s string) ([]byte, error) {
	leadingOnes := 0
	for leadingOnes < len(s) && s[leadingOnes] == base58Alphabet[0] {
		leadingOnes++
	}

	n := new(big.Int)
	for i := 0; i < len(s); i++ {
		digit, ok := base58DecodeMap[s[i]]
		if !ok {
			return nil, ErrInvalidBase58
		}
		n.Mul(n, base58Radix)
		n.Add(n, big.NewInt(digit))
	}

	decoded := n.Bytes()
	out := make([]byte, leadingOnes+len(decoded))
	copy(out[leadingOnes:], decoded)
	return out, nil
}
