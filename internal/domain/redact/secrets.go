package redact

import "regexp"

// secretRule is one provider-specific secret pattern. All categories collapse
// to the single [REDACTED-SECRET] placeholder; the name only aids debugging.
type secretRule struct {
	name    string
	pattern *regexp.Regexp
}

// Prefix-keyed token formats published by the providers. Tokens shorter than
// 10 characters are intentionally not covered.
var secretRules = []secretRule{
	{"aws-access-key-id", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"github-pat", regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`)},
	{"github-oauth", regexp.MustCompile(`\bgho_[A-Za-z0-9]{36}\b`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_./+=-]+`)},
	{"stripe-key", regexp.MustCompile(`\bsk_(?:live|test)_[A-Za-z0-9]{24,}\b`)},
	{"sendgrid-key", regexp.MustCompile(`\bSG\.[A-Za-z0-9_-]{22}\.[A-Za-z0-9_-]{43}\b`)},
	{"slack-bot-token", regexp.MustCompile(`\bxoxb-[0-9]{10,13}-[0-9]{10,13}-[A-Za-z0-9]{24,}\b`)},
	{"twilio-key", regexp.MustCompile(`\bSK[0-9a-f]{32}\b`)},
	{"gcp-api-key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{"digitalocean-pat", regexp.MustCompile(`\bdop_v1_[a-f0-9]{64}\b`)},
	{"mailgun-key", regexp.MustCompile(`\bkey-[0-9a-zA-Z]{32}\b`)},
	{"azure-storage-key", regexp.MustCompile(`AccountKey=[A-Za-z0-9+/=]{86,90}`)},
}

// detectSecrets returns one span per secret pattern match. Spans from this
// detector always carry the SECRET placeholder.
func detectSecrets(text string) []span {
	var spans []span
	for _, rule := range secretRules {
		for _, loc := range rule.pattern.FindAllStringIndex(text, -1) {
			spans = append(spans, span{
				start:       loc[0],
				end:         loc[1],
				replacement: secretsPlaceholder,
			})
		}
	}
	return spans
}
