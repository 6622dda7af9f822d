package alignment

import (
	"fmt"

	"github.com/ashureev/attune/internal/domain"
)

// Classify maps a gap severity to the reconciler action. The analyzer's own
// recommendation is recorded alongside but never overrides this.
func Classify(severity domain.Severity) (domain.Action, error) {
	switch severity {
	case domain.SeverityNone:
		return domain.ActionProceed, nil
	case domain.SeverityModerate:
		return domain.ActionOfferOptional, nil
	case domain.SeveritySignificant:
		return domain.ActionOfferSharing, nil
	}
	return 0, fmt.Errorf("cannot classify severity %q", severity)
}
