// Package dstring validates the OSTA-compressed unicode "dstring" fields
// ECMA-167 uses for volume, volume set and file set identifiers (ECMA-167
// 1/7.2.12). This is the Dstring Validator named in the checker's component
// design (spec 4.2's sibling for string fields): check the compression ID,
// confirm zero-padding after the declared length, confirm the declared
// length matches where the padding actually starts, and for 16-bit
// (compID 16) strings reject the two byte-order-mark code points ECMA-167
// forbids. Ported from the original checker's check_dstring(), expressed in
// the teacher's style of a small stateless validator package
// (pkg/validation) rather than a single monolithic C function.
package dstring

import "github.com/bgrewell/udf-fsck/pkg/consts"

// Compression IDs ECMA-167 1/7.2.12 assigns to a dstring's first byte.
const (
	CompID8Bit  = 8
	CompID16Bit = 16
	CompIDEmpty = 0
)

// Result carries the individual violations found, composed as a
// consts.ErrorFlags bitmask via Flags().
type Result struct {
	UnknownCompID    bool
	NotEmpty         bool
	NonZeroPadding   bool
	WrongLength      bool
	InvalidCharacter bool
}

// OK reports whether no violation was found.
func (r Result) OK() bool {
	return !(r.UnknownCompID || r.NotEmpty || r.NonZeroPadding || r.WrongLength || r.InvalidCharacter)
}

// Flags composes the result into the checker's shared error bitmask; any
// dstring violation maps onto consts.ErrDstring.
func (r Result) Flags() consts.ErrorFlags {
	if r.OK() {
		return 0
	}
	return consts.ErrDstring
}

// Validate checks field, a raw dstring buffer whose last byte holds the
// declared length in bytes, counting the leading compression ID byte
// (ECMA-167 1/7.2.12's trailing length byte).
func Validate(field []byte) Result {
	if len(field) < 2 {
		return Result{UnknownCompID: true}
	}
	compID := field[0]
	declaredLength := int(field[len(field)-1])

	var stepping int
	var emptyFlag, noLength bool
	switch compID {
	case CompID8Bit:
		stepping = 1
	case CompID16Bit:
		stepping = 2
	case CompIDEmpty:
		stepping = 1
		emptyFlag = true
	case 254:
		stepping = 1
		noLength = true
	case 255:
		stepping = 2
		noLength = true
	default:
		return Result{UnknownCompID: true}
	}

	var res Result

	if emptyFlag || (declaredLength == 0 && !noLength) {
		for i := 0; i < len(field); i += stepping {
			if field[i] != 0 {
				res.NotEmpty = true
				break
			}
		}
		return res
	}

	if !noLength {
		eolPos := -1
		charCount := 0
		for i := 1; i+stepping-1 < len(field)-1; i += stepping {
			nonZero := field[i] != 0 || field[i+stepping-1] != 0
			if nonZero {
				if eolPos >= 0 {
					res.NonZeroPadding = true
				} else {
					charCount++
				}
			} else if eolPos < 0 {
				eolPos = i
			}
		}
		if eolPos != -1 && declaredLength != eolPos {
			res.WrongLength = true
		}
	}

	if stepping == 2 {
		for i := 1; i+1 < len(field)-1; i += stepping {
			if (field[i] == 0xFF && field[i+1] == 0xFE) || (field[i] == 0xFE && field[i+1] == 0xFF) {
				res.InvalidCharacter = true
			}
		}
	}

	return res
}
