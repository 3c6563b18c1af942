package privacy

import (
	"fmt"
	"strings"
)

// EntityKind identifies a category of sensitive data. Declaration order is
// significant: it is the order patterns run in, and therefore the tie-break
// when two equally confident detections cover the same text.
type EntityKind uint8

const (
	KindUnknown EntityKind = iota
	SSN
	CreditCard
	Email
	Phone
	IPAddress
	MACAddress
	URL
	ZipCode
	DateOfBirth
	Age
	APIKey
	JWTToken
	Password
	BankAccount
	IBAN
	Passport
	MedicalRecordNumber
	Coordinates
	Person
	Address
	Organization
	Custom
	DriversLicense
	NationalID
	RoutingNumber
	City
	State
	Country
	HealthInsuranceNumber
	Prescription
	DoctorName

	kindCount
)

var kindNames = [kindCount]string{
	KindUnknown:           "UNKNOWN",
	SSN:                   "SSN",
	CreditCard:            "CREDIT_CARD",
	Email:                 "EMAIL",
	Phone:                 "PHONE",
	IPAddress:             "IP_ADDRESS",
	MACAddress:            "MAC_ADDRESS",
	URL:                   "URL",
	ZipCode:               "ZIP_CODE",
	DateOfBirth:           "DATE_OF_BIRTH",
	Age:                   "AGE",
	APIKey:                "API_KEY",
	JWTToken:              "JWT_TOKEN",
	Password:              "PASSWORD",
	BankAccount:           "BANK_ACCOUNT",
	IBAN:                  "IBAN",
	Passport:              "PASSPORT",
	MedicalRecordNumber:   "MEDICAL_RECORD_NUMBER",
	Coordinates:           "COORDINATES",
	Person:                "PERSON",
	Address:               "ADDRESS",
	Organization:          "ORGANIZATION",
	Custom:                "CUSTOM",
	DriversLicense:        "DRIVERS_LICENSE",
	NationalID:            "NATIONAL_ID",
	RoutingNumber:         "ROUTING_NUMBER",
	City:                  "CITY",
	State:                 "STATE",
	Country:               "COUNTRY",
	HealthInsuranceNumber: "HEALTH_INSURANCE_NUMBER",
	Prescription:          "PRESCRIPTION",
	DoctorName:            "DOCTOR_NAME",
}

// String returns the canonical upper-case name.
func (k EntityKind) String() string {
	if k >= kindCount {
		return fmt.Sprintf("EntityKind(%d)", uint8(k))
	}
	return kindNames[k]
}

// Valid reports whether k is a declared kind other than KindUnknown.
func (k EntityKind) Valid() bool {
	return k > KindUnknown && k < kindCount
}

// MarshalText implements encoding.TextMarshaler.
func (k EntityKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid entity kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EntityKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEntityKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseEntityKind resolves a kind name case-insensitively.
func ParseEntityKind(name string) (EntityKind, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for k := SSN; k < kindCount; k++ {
		if kindNames[k] == upper {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown entity kind %q", name)
}

// AllKinds returns every declared kind in declaration order.
func AllKinds() []EntityKind {
	kinds := make([]EntityKind, 0, kindCount-1)
	for k := SSN; k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// DetectedEntity is one span of sensitive data found in a text. Start and
// End are byte offsets with text[Start:End] == Value.
type DetectedEntity struct {
	Kind       EntityKind `json:"entity_type"`
	Value      string     `json:"value"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Confidence float64    `json:"confidence"`
	Context    string     `json:"context,omitempty"`
}

// Overlaps reports whether the two spans share at least one byte.
func (e DetectedEntity) Overlaps(other DetectedEntity) bool {
	return e.Start < other.End && other.Start < e.End
}

// DetectionResult holds the non-overlapping entities of one text, sorted by
// start offset.
type DetectionResult struct {
	Text     string           `json:"-"` // Never serialize original text
	Entities []DetectedEntity `json:"entities"`
	HasPII   bool             `json:"has_pii"`
}

// Counts returns the number of entities per kind.
func (r *DetectionResult) Counts() map[EntityKind]int {
	counts := make(map[EntityKind]int)
	for _, e := range r.Entities {
		counts[e.Kind]++
	}
	return counts
}

// ByKind returns the entities of the given kind.
func (r *DetectionResult) ByKind(kind EntityKind) []DetectedEntity {
	var out []DetectedEntity
	for _, e := range r.Entities {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
