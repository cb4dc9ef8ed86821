package detect

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"strings"
)

// validatorFunc inspects a raw regex match before it becomes a candidate.
// Returning keep=false drops the match. A non-empty category/typ refines the
// span (used for IPv4, where private addresses are ops_sensitive rather
// than pii).
type validatorFunc func(match string) (keep bool, category Category, typ string)

// validateCreditCard runs the Luhn mod-10 checksum over the digits of the
// match and rejects sequences outside the 13-19 digit card-number range.
func validateCreditCard(match string) (bool, Category, string) {
	digits := make([]int, 0, 19)
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false, "", ""
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := digits[i]
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0, "", ""
}

// validateSSN rejects structurally impossible social security numbers:
// area 000, 666 or 900-999, group 00, serial 0000.
func validateSSN(match string) (bool, Category, string) {
	parts := strings.Split(match, "-")
	if len(parts) != 3 {
		return false, "", ""
	}
	area, group, serial := parts[0], parts[1], parts[2]
	if area == "000" || area == "666" || area >= "900" {
		return false, "", ""
	}
	if group == "00" || serial == "0000" {
		return false, "", ""
	}
	return true, "", ""
}

// validateJWT checks that every segment is valid base64url and that the
// decoded header is a JSON object carrying an "alg" field.
func validateJWT(match string) (bool, Category, string) {
	segments := strings.Split(match, ".")
	if len(segments) != 3 {
		return false, "", ""
	}
	for _, seg := range segments {
		if _, err := base64.RawURLEncoding.DecodeString(seg); err != nil {
			return false, "", ""
		}
	}
	headerRaw, _ := base64.RawURLEncoding.DecodeString(segments[0])
	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return false, "", ""
	}
	if _, ok := header["alg"]; !ok {
		return false, "", ""
	}
	return true, "", ""
}

// validateIPv4 rejects malformed dotted quads and reclassifies private-range
// addresses (10/8, 172.16/12, 192.168/16, 127/8) as internal infrastructure.
func validateIPv4(match string) (bool, Category, string) {
	ip := net.ParseIP(match)
	if ip == nil || ip.To4() == nil {
		return false, "", ""
	}
	if ip.IsPrivate() || ip.IsLoopback() {
		return true, CategoryOpsSensitive, "PRIVATE_IP"
	}
	return true, "", ""
}
