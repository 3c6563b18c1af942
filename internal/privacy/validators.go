package privacy

import (
	"encoding/base64"
	"strings"
)

const (
	luhnValidBoost      = 0.1
	luhnInvalidPenalty  = -0.3
	ssnInvalidPenalty   = -0.5
	ibanInvalidPenalty  = -0.3
	jwtHeaderBoost      = 0.1
	personSuffixPenalty = -0.2
)

// digitsOnly strips every non-digit character.
func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// luhnCheck implements the Luhn checksum: double every second digit from
// the right, subtract 9 from doubles above 9, and require sum % 10 == 0.
func luhnCheck(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func luhnAdjustment(value string) float64 {
	digits := digitsOnly(value)
	if len(digits) >= 13 && len(digits) <= 19 && luhnCheck(digits) {
		return luhnValidBoost
	}
	return luhnInvalidPenalty
}

// isValidSSN rejects area 000, 666 and 900-999, group 00 and serial 0000.
func isValidSSN(digits string) bool {
	if len(digits) != 9 {
		return false
	}
	area, group, serial := digits[:3], digits[3:5], digits[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

func ssnAdjustment(value string) float64 {
	if isValidSSN(digitsOnly(value)) {
		return 0
	}
	return ssnInvalidPenalty
}

// ibanCheck verifies the ISO 13616 mod-97 checksum.
func ibanCheck(iban string) bool {
	if len(iban) < 5 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	remainder := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			remainder = (remainder*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return false
		}
	}
	return remainder == 1
}

func ibanAdjustment(value string) float64 {
	if ibanCheck(value) {
		return 0
	}
	return ibanInvalidPenalty
}

// jwtAdjustment rewards tokens whose header segment decodes to a JSON object
// naming an algorithm.
func jwtAdjustment(value string) float64 {
	header, _, ok := strings.Cut(value, ".")
	if !ok {
		return 0
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(header, "="))
	if err != nil {
		return 0
	}
	if strings.HasPrefix(strings.TrimSpace(string(decoded)), "{") && strings.Contains(string(decoded), `"alg"`) {
		return jwtHeaderBoost
	}
	return 0
}

// nonPersonSuffixes end capitalized phrases that name places or companies.
var nonPersonSuffixes = map[string]bool{
	"street": true, "st": true, "avenue": true, "ave": true, "road": true, "rd": true,
	"boulevard": true, "blvd": true, "lane": true, "ln": true, "drive": true, "court": true,
	"way": true, "place": true, "inc": true, "llc": true, "ltd": true, "corp": true,
	"corporation": true, "company": true, "hospital": true, "clinic": true, "bank": true,
	"university": true,
}

func personAdjustment(value string) float64 {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0
	}
	last := strings.ToLower(strings.TrimSuffix(fields[len(fields)-1], "."))
	if nonPersonSuffixes[last] {
		return personSuffixPenalty
	}
	return 0
}
