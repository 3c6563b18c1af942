package privacy

import (
	"regexp"
)

// Pattern is a single detection regex for one entity kind.
type Pattern struct {
	Kind   EntityKind
	Name   string
	Regexp *regexp.Regexp
	// Group selects the submatch holding the value; 0 is the whole match.
	Group int
	// Fallback patterns only contribute spans no primary pattern of the
	// same kind already produced.
	Fallback bool
	Keywords []string
	// Validate returns a confidence adjustment for a matched value.
	Validate func(value string) float64
}

// kindKeywords boost confidence when found just before a match.
var kindKeywords = map[EntityKind][]string{
	SSN:                 {"ssn", "social security", "social-security"},
	CreditCard:          {"card", "credit", "cc", "payment"},
	Email:               {"email", "e-mail", "contact"},
	Phone:               {"phone", "tel", "call", "mobile"},
	IPAddress:           {"ip", "host", "server"},
	MACAddress:          {"mac", "hardware"},
	URL:                 {"url", "link", "website"},
	ZipCode:             {"zip", "postal"},
	DateOfBirth:         {"dob", "birth", "born"},
	Age:                 {"age", "aged"},
	APIKey:              {"api", "key", "token", "secret"},
	JWTToken:            {"token", "bearer", "jwt"},
	Password:            {"password", "passwd", "pwd", "pass"},
	BankAccount:         {"account", "acct", "bank"},
	IBAN:                {"iban"},
	Passport:            {"passport"},
	MedicalRecordNumber: {"mrn", "medical record", "patient id"},
	Coordinates:         {"gps", "lat", "coordinates", "location"},
	Person:              {"name", "patient", "mr", "mrs", "ms", "dr"},
	Address:             {"address", "lives", "street"},
	Organization:        {"company", "employer", "organization"},
}

// KindKeywords returns the context keywords of a kind.
func KindKeywords(kind EntityKind) []string {
	return kindKeywords[kind]
}

func pattern(kind EntityKind, name, expr string, group int) Pattern {
	return Pattern{
		Kind:     kind,
		Name:     name,
		Regexp:   regexp.MustCompile(expr),
		Group:    group,
		Keywords: kindKeywords[kind],
	}
}

func fallback(p Pattern) Pattern {
	p.Fallback = true
	return p
}

func validated(p Pattern, fn func(string) float64) Pattern {
	p.Validate = fn
	return p
}

// DefaultPatterns returns the built-in pattern library in kind declaration
// order.
func DefaultPatterns() []Pattern {
	return []Pattern{
		validated(pattern(SSN, "ssn",
			`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`, 0), ssnAdjustment),

		validated(pattern(CreditCard, "credit_card",
			`\b(?:4\d{3}|5[1-5]\d{2}|6011|3[47]\d{2})[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`, 0), luhnAdjustment),
		validated(pattern(CreditCard, "credit_card_amex",
			`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`, 0), luhnAdjustment),

		pattern(Email, "email",
			`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, 0),

		pattern(Phone, "phone",
			`(?:\+1[-.\s]?|\b1[-.\s])?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`, 0),

		pattern(IPAddress, "ipv4",
			`\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d?\d)\b`, 0),
		pattern(IPAddress, "ipv6",
			`\b(?:[0-9A-Fa-f]{1,4}:){7}[0-9A-Fa-f]{1,4}\b`, 0),

		pattern(MACAddress, "mac",
			`\b(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}\b`, 0),

		pattern(URL, "url",
			`(?i)\b(?:https?|ftp)://[^\s/$.?#][^\s]*\b`, 0),

		pattern(ZipCode, "zip",
			`\b\d{5}(?:-\d{4})?\b`, 0),

		pattern(DateOfBirth, "date_numeric",
			`\b(?:\d{1,2}[-/]\d{1,2}[-/]\d{2,4}|\d{4}[-/]\d{1,2}[-/]\d{1,2})\b`, 0),
		pattern(DateOfBirth, "date_text",
			`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}\b`, 0),

		pattern(Age, "age_prefix",
			`(?i)\b(?:age|aged)[\s:]+(\d{1,3})\b`, 1),
		pattern(Age, "age_suffix",
			`(?i)\b(\d{1,3})\s*(?:years?\s+old|yrs?\s+old|y/?o)\b`, 1),

		pattern(APIKey, "api_key_assignment",
			`(?i)\b(?:api[_-]?key|apikey|api[_-]?token|access[_-]?token|auth[_-]?token|secret[_-]?key)[\s:=]+['"]?([A-Za-z0-9_\-]{20,})`, 1),
		pattern(APIKey, "aws_access_key",
			`\b(AKIA[0-9A-Z]{16})\b`, 1),
		pattern(APIKey, "sk_key",
			`\b(sk-[A-Za-z0-9_\-]{20,})`, 1),

		validated(pattern(JWTToken, "jwt",
			`\beyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*\b`, 0), jwtAdjustment),

		pattern(Password, "password",
			`(?i)\b(?:password|passwd|pwd|passcode)(?:\s*[:=]\s*|\s+is\s+)['"]?([^\s'"]{4,})`, 1),

		pattern(BankAccount, "bank_account",
			`\b\d{8,17}\b`, 0),

		validated(pattern(IBAN, "iban",
			`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`, 0), ibanAdjustment),

		pattern(Passport, "passport",
			`\b[A-Z]{1,2}\d{6,9}\b`, 0),

		pattern(MedicalRecordNumber, "mrn",
			`(?i)\bMRN[-\s]?:?\s?(\d{6,10})\b`, 1),
		pattern(MedicalRecordNumber, "medical_record",
			`(?i)\bmedical\s+record(?:\s+(?:number|no\.?|#))?\s*:?\s*(\d{6,10})\b`, 1),

		pattern(Coordinates, "coordinates",
			`-?\b\d{1,3}\.\d{3,},\s*-?\d{1,3}\.\d{3,}\b`, 0),

		validated(pattern(Person, "person_titled",
			`\b(?:Dr|Mr|Mrs|Ms|Prof)\.?[ \t]+[A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+)?\b`, 0), personAdjustment),
		validated(pattern(Person, "person",
			`\b[A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+){1,3}\b`, 0), personAdjustment),
		fallback(validated(pattern(Person, "person_simple",
			`\b[A-Z][a-z]+[ \t]+[A-Z][a-z]+\b`, 0), personAdjustment)),

		pattern(Address, "street_address",
			`\b\d{1,5}[ \t]+(?:[A-Z][a-z]+[ \t]+){1,4}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Court|Ct|Way|Place|Pl)\b\.?`, 0),

		pattern(Organization, "organization",
			`\b(?:[A-Z][A-Za-z&]+[ \t]+){1,4}(?:Inc|LLC|Ltd|Corp|Corporation|Company|Hospital|Clinic|Bank|University)\b\.?`, 0),
	}
}
