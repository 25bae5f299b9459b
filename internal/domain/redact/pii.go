package redact

import (
	"net"
	"regexp"
	"sort"
	"strings"
)

// Match is a detected sensitive span over a single input string.
type Match struct {
	Start      int
	End        int
	EntityType string
	Confidence float64
}

// urlSchemes are the only schemes the URL detector accepts. Bare domains
// without an explicit scheme never match.
const urlSchemes = `(?:https?|ftps?|sftp|ssh|wss?|git|file|telnet|ldaps?|smb|nfs)`

var urlPattern = regexp.MustCompile(`(?i)` + urlSchemes + `://[^\s]+`)

// urlSentenceEnders is trailing ASCII punctuation stripped from URL matches.
const urlSentenceEnders = ".,:;!?'\""

var piiPatterns = []struct {
	entityType string
	pattern    *regexp.Regexp
	confidence float64
}{
	{EntityEmail, regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), 0.95},
	{EntityCreditCard, regexp.MustCompile(`\b(?:` +
		`4[0-9]{3}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}(?:[0-9]{3})?|` + // Visa with separators
		`5[1-5][0-9]{2}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}|` + // MasterCard with separators
		`3[47][0-9]{2}[-\s]?[0-9]{6}[-\s]?[0-9]{5}|` + // Amex with separators
		`4[0-9]{12}(?:[0-9]{3})?|` + // Visa
		`5[1-5][0-9]{14}|` + // MasterCard
		`3[47][0-9]{13}|` + // Amex
		`3[0-9]{13}|` + // Diners Club
		`6(?:011|5[0-9]{2})[0-9]{12}` + // Discover
		`)\b`), 0.85},
	{EntitySSN, regexp.MustCompile(`\b[0-9]{3}[- ]?[0-9]{2}[- ]?[0-9]{4}\b`), 0.90},
	{EntityIPAddress, regexp.MustCompile(
		`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), 0.90},
	{EntityCrypto, regexp.MustCompile(`\b(?:` +
		`[13][a-km-zA-HJ-NP-Z1-9]{25,34}|` + // Bitcoin
		`0x[a-fA-F0-9]{40}|` + // Ethereum
		`[LM3][a-km-zA-HJ-NP-Z1-9]{26,33}` + // Litecoin
		`)\b`), 0.95},
	{EntityIBAN, regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}[A-Z0-9]{4}[0-9]{7}[A-Z0-9]{0,16}\b`), 0.85},
	{EntityPassport, regexp.MustCompile(`\b[A-Z][0-9]{8}\b`), 0.60},
	{EntityDriverLicense, regexp.MustCompile(`\b[A-Z][0-9]{7}\b`), 0.50},
	// Two alternatives because \b cannot assert before an opening paren.
	// Both ends are anchored so digit runs inside longer numbers never match.
	{EntityPhone, regexp.MustCompile(
		`(?:\+1[-.\s]?)?\([2-9][0-9]{2}\)[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b|` +
			`\b(?:\+?1[-.\s])?[2-9][0-9]{2}[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`), 0.75},
}

// ipv6Pattern finds IPv6 candidates: anything containing a `::` compression
// (optionally ending in an embedded IPv4 quad) or a full 8-group address.
// Go's regexp is leftmost-first, so precise per-form alternations misfire on
// mapped addresses; instead every candidate is gated through net.ParseIP.
var ipv6Pattern = regexp.MustCompile(`(?i)` +
	`[0-9a-f:]*::[0-9a-f:]*(?:(?:\d{1,3}\.){3}\d{1,3})?|` +
	`(?:[0-9a-f]{1,4}:){7}[0-9a-f]{1,4}`)

// luhnValid reports whether the digits of number satisfy the Luhn checksum.
// Separators are stripped first.
func luhnValid(number string) bool {
	var digits []byte
	for i := 0; i < len(number); i++ {
		if number[i] >= '0' && number[i] <= '9' {
			digits = append(digits, number[i])
		}
	}
	if len(digits) == 0 {
		return false
	}
	total := 0
	for i := 0; i < len(digits); i++ {
		n := int(digits[len(digits)-1-i] - '0')
		if i%2 == 1 {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		total += n
	}
	return total%10 == 0
}

// ibanValid reports whether the candidate passes the MOD-97 checksum:
// country and check digits move to the end, letters become two-digit
// numbers (A=10..Z=35), and the resulting integer mod 97 must equal 1.
func ibanValid(iban string) bool {
	iban = strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(iban) < 15 {
		return false
	}
	rearranged := iban[4:] + iban[:4]

	// mod 97 computed incrementally to avoid big-integer arithmetic
	rem := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			n := int(c-'A') + 10
			rem = (rem*100 + n) % 97
		default:
			return false
		}
	}
	return rem == 1
}

// ssnValid rejects the excluded SSN ranges: area 000, 666 or 9xx,
// group 00, serial 0000.
func ssnValid(ssn string) bool {
	var digits strings.Builder
	for _, r := range ssn {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) != 9 {
		return false
	}
	area, group, serial := d[:3], d[3:5], d[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	if group == "00" || serial == "0000" {
		return false
	}
	return true
}

// cleanURL strips trailing sentence punctuation and unbalanced closing
// delimiters from a URL candidate.
func cleanURL(url string) string {
	url = strings.TrimRight(url, urlSentenceEnders)
	pairs := []struct{ opener, closer string }{
		{"(", ")"}, {"[", "]"}, {"{", "}"},
	}
	for _, p := range pairs {
		for strings.HasSuffix(url, p.closer) {
			if strings.Count(url, p.opener) >= strings.Count(url, p.closer) {
				break
			}
			url = url[:len(url)-1]
		}
	}
	return url
}

// detectPII runs every PII detector over text and returns non-overlapping
// matches, higher confidence winning on overlap.
func detectPII(text string) []Match {
	var matches []Match

	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		cleaned := cleanURL(text[loc[0]:loc[1]])
		if cleaned == "" {
			continue
		}
		matches = append(matches, Match{
			Start:      loc[0],
			End:        loc[0] + len(cleaned),
			EntityType: EntityURL,
			Confidence: 0.85,
		})
	}

	for _, p := range piiPatterns {
		for _, loc := range p.pattern.FindAllStringIndex(text, -1) {
			candidate := text[loc[0]:loc[1]]
			confidence := p.confidence
			switch p.entityType {
			case EntityCreditCard:
				if !luhnValid(candidate) {
					continue
				}
				confidence = 0.99
			case EntityIBAN:
				if !ibanValid(candidate) {
					continue
				}
				confidence = 0.99
			case EntitySSN:
				if !ssnValid(candidate) {
					continue
				}
			}
			matches = append(matches, Match{
				Start:      loc[0],
				End:        loc[1],
				EntityType: p.entityType,
				Confidence: confidence,
			})
		}
	}

	for _, loc := range ipv6Pattern.FindAllStringIndex(text, -1) {
		candidate := text[loc[0]:loc[1]]
		if net.ParseIP(candidate) == nil {
			continue
		}
		matches = append(matches, Match{
			Start:      loc[0],
			End:        loc[1],
			EntityType: EntityIPAddress,
			Confidence: 0.90,
		})
	}

	return resolveMatchOverlaps(matches)
}

// resolveMatchOverlaps keeps the highest-confidence match among overlapping
// candidates; ties go to the earlier, longer match.
func resolveMatchOverlaps(matches []Match) []Match {
	if len(matches) == 0 {
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].End-matches[i].Start > matches[j].End-matches[j].Start
	})

	var resolved []Match
	for _, cur := range matches {
		overlaps := false
		for i, existing := range resolved {
			if cur.End <= existing.Start || cur.Start >= existing.End {
				continue
			}
			if cur.Confidence > existing.Confidence {
				resolved[i] = cur
			}
			overlaps = true
			break
		}
		if !overlaps {
			resolved = append(resolved, cur)
		}
	}

	sort.SliceStable(resolved, func(i, j int) bool { return resolved[i].Start < resolved[j].Start })
	return resolved
}
