package discount

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/go-faster/errors"
)

// DefaultCouponFormat is used when a discount has no format of its own.
const DefaultCouponFormat = "########"

// couponCharset deliberately omits ambiguous characters (0/O, 1/I/L) since
// codes are read aloud and typed by customers.
const couponCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// ErrBadCouponFormat is returned when a coupon format contains no '#'
// placeholders.
var ErrBadCouponFormat = errors.New("coupon format needs at least one # placeholder")

// GenerateCouponCodes produces count unique codes from the format, where
// each '#' becomes a random character. Codes are uppercase. The format's
// literal characters are kept as typed.
func GenerateCouponCodes(format string, count int) ([]string, error) {
	if format == "" {
		format = DefaultCouponFormat
	}
	if !strings.Contains(format, "#") {
		return nil, ErrBadCouponFormat
	}

	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(codes) < count {
		code, err := fillFormat(format)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func fillFormat(format string) (string, error) {
	var b strings.Builder
	b.Grow(len(format))
	for _, r := range format {
		if r != '#' {
			b.WriteRune(r)
			continue
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(couponCharset))))
		if err != nil {
			return "", errors.Wrap(err, "draw random coupon character")
		}
		b.WriteByte(couponCharset[n.Int64()])
	}
	return strings.ToUpper(b.String()), nil
}
