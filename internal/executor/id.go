package executor

import "github.com/google/uuid"

// newOpportunityID mints a fresh opportunity identifier for executor-originated
// opportunities (strategy targets and emergency reallocations).
func newOpportunityID() string {
	return uuid.New().String()
}
