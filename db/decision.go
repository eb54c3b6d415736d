package db

import (
	"github.com/pkg/errors"
)

// Decision is what the store knows about a fingerprint.
type Decision int

const (
	Unknown Decision = iota
	Accepted
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Unknown:
		return "unknown"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "invalid"
}

// ParseDecision maps a confirmation answer to a decision.  Only the
// listed spellings are recognized.
func ParseDecision(answer string) (Decision, error) {
	switch answer {
	case "Y", "YES", "Yes", "y", "yes":
		return Accepted, nil
	case "N", "NO", "No", "n", "no":
		return Rejected, nil
	}
	return Unknown, errors.Wrapf(ErrUnknownSpecifier, "%q", answer)
}
