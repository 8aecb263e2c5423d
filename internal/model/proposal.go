package model

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatProposalID zero-pads a numeric proposal id to five digits.
func FormatProposalID(id string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("proposal id %q is not valid: %w", id, err)
	}
	if n < 0 {
		return "", fmt.Errorf("proposal id %q is negative", id)
	}
	return fmt.Sprintf("%05d", n), nil
}

// VisitArgs turns the visit argument of a queue request into the record visit and
// the text substituted for {V}. A single visit is stored on the task; a list of
// visits (or none) is a proposal-wide stage and is stored with an empty visit.
func VisitArgs(visits []string) (visit string, arg string) {
	if len(visits) == 1 {
		return visits[0], visits[0]
	}
	return "", strings.Join(visits, " ")
}
