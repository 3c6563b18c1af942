package masking

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/raaihank/phi-sentinel/internal/privacy"
)

var (
	// ErrUnsupported means the kind has no realistic substitute.
	ErrUnsupported = errors.New("no realistic substitute for entity kind")
	// ErrExhausted means no unclaimed substitute was found.
	ErrExhausted = errors.New("realistic substitutes exhausted")
)

const maxAttempts = 64

var (
	firstNames = []string{
		"Arjun", "Rahul", "Amit", "Vikram", "Rajesh", "Suresh", "Anil", "Ravi",
		"Karthik", "Sanjay", "Manoj", "Deepak", "Nikhil", "Rohan", "Ashwin",
		"Vivek", "Anand", "Harish", "Prakash", "Ganesh",
		"Priya", "Anjali", "Neha", "Kavita", "Sunita", "Rekha", "Meena", "Asha",
		"Divya", "Pooja", "Swati", "Nisha", "Ritu", "Geeta", "Smita",
		"Shweta", "Anita", "Maya", "Radha", "Sita",
	}

	lastNames = []string{
		"Kumar", "Singh", "Sharma", "Patel", "Reddy", "Nair", "Iyer", "Rao",
		"Gupta", "Verma", "Menon", "Shah", "Desai", "Joshi", "Agarwal",
		"Chopra", "Malhotra", "Kapoor", "Mehta", "Pillai",
	}

	doctorNames = []string{
		"Dr. Priya Mehta", "Dr. Rajesh Kumar", "Dr. Anita Sharma", "Dr. Vikram Singh",
		"Dr. Sunita Patel", "Dr. Anil Reddy", "Dr. Kavita Nair", "Dr. Manoj Iyer",
		"Dr. Neha Gupta", "Dr. Arjun Rao", "Dr. Pooja Verma", "Dr. Rahul Desai",
	}

	streets = []string{
		"MG Road, Koramangala, Bengaluru, Karnataka, India",
		"Residency Road, Jayanagar, Bengaluru, Karnataka, India",
		"Infantry Road, Ashok Nagar, Bengaluru, Karnataka, India",
		"Brigade Road, Shantinagar, Bengaluru, Karnataka, India",
		"Richmond Road, Indiranagar, Bengaluru, Karnataka, India",
	}
)

// digitKinds get a same-shaped value with hash-derived digits.
var digitKinds = map[privacy.EntityKind]bool{
	privacy.Phone:                 true,
	privacy.MedicalRecordNumber:   true,
	privacy.Passport:              true,
	privacy.NationalID:            true,
	privacy.DriversLicense:        true,
	privacy.HealthInsuranceNumber: true,
	privacy.BankAccount:           true,
}

type substKey struct {
	kind  privacy.EntityKind
	value string
}

// Substituter replaces values with plausible decoys and remembers the
// mapping so they can be restored. Every substitute maps back to exactly
// one original.
type Substituter struct {
	mu      sync.Mutex
	forward map[substKey]string
	reverse map[string]string
}

// NewSubstituter creates an empty substituter.
func NewSubstituter() *Substituter {
	return &Substituter{
		forward: make(map[substKey]string),
		reverse: make(map[string]string),
	}
}

// Supports reports whether kind has realistic substitutes.
func Supports(kind privacy.EntityKind) bool {
	return kind == privacy.Person || kind == privacy.DoctorName || kind == privacy.Address || digitKinds[kind]
}

// Substitute returns the decoy for value. The same (value, kind) always
// gets the same decoy from one Substituter.
func (s *Substituter) Substitute(value string, kind privacy.EntityKind) (string, error) {
	if !Supports(kind) {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := substKey{kind: kind, value: value}
	if sub, ok := s.forward[key]; ok {
		return sub, nil
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := s.candidate(value, kind, attempt)
		if owner, taken := s.reverse[candidate]; taken && owner != value {
			continue
		}
		s.forward[key] = candidate
		s.reverse[candidate] = value
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %s after %d attempts", ErrExhausted, kind, maxAttempts)
}

func (s *Substituter) candidate(value string, kind privacy.EntityKind, attempt int) string {
	h := seed(kind, value, attempt)

	switch {
	case kind == privacy.Address:
		house := 1 + h%199
		return strconv.FormatUint(house, 10) + ", " + streets[(h/199)%uint64(len(streets))]
	case digitKinds[kind]:
		return replaceDigits(value, h)
	case isDoctor(value) || kind == privacy.DoctorName:
		if attempt == 0 {
			return doctorNames[h%uint64(len(doctorNames))]
		}
		return "Dr. " + fullName(h)
	default:
		return fullName(h)
	}
}

func isDoctor(value string) bool {
	lower := strings.ToLower(strings.TrimSpace(value))
	return strings.HasPrefix(lower, "dr.") || strings.HasPrefix(lower, "doctor")
}

func fullName(h uint64) string {
	first := firstNames[h%uint64(len(firstNames))]
	last := lastNames[(h/uint64(len(firstNames)))%uint64(len(lastNames))]
	return first + " " + last
}

func seed(kind privacy.EntityKind, value string, attempt int) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(kind.String())
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(value)
	if attempt > 0 {
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(strconv.Itoa(attempt))
	}
	return d.Sum64()
}

// replaceDigits swaps every ASCII digit for one drawn from h, rehashing
// when the seed runs out of entropy.
func replaceDigits(value string, h uint64) string {
	out := []byte(value)
	state := h
	used := 0
	for i, c := range out {
		if c < '0' || c > '9' {
			continue
		}
		if used == 19 {
			state = xxhash.Sum64String(strconv.FormatUint(state, 16) + value)
			used = 0
		}
		out[i] = byte('0' + state%10)
		state /= 10
		used++
	}
	return string(out)
}

// Reserve marks substitute as already standing for original, for example
// when a stored mapping seeds a new session. Substitute then never hands
// it out for any other value.
func (s *Substituter) Reserve(substitute, original string) {
	if substitute == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.reverse[substitute]; !taken {
		s.reverse[substitute] = original
	}
}

// Original returns the value a substitute was issued for.
func (s *Substituter) Original(substitute string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.reverse[substitute]
	return v, ok
}

// Mappings returns a substitute -> original copy.
func (s *Substituter) Mappings() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.reverse))
	for k, v := range s.reverse {
		out[k] = v
	}
	return out
}

// Len returns the number of issued substitutes.
func (s *Substituter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reverse)
}

// Clear forgets every substitute.
func (s *Substituter) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forward = make(map[substKey]string)
	s.reverse = make(map[string]string)
}
