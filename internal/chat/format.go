package chat

import (
	"strconv"
	"strings"

	"github.com/insurapolis/backend/internal/repository"
)

// FormatPackages transforms a user's entitlements into the entitled package
// ID set plus the two text blocks the prompt template consumes. IDs are
// deduplicated; lines are not — a user holding the same package name twice
// keeps both lines. Empty input yields an empty ID list and empty strings.
func FormatPackages(entitlements []repository.PackageEntitlement) (ids []int32, deductibleText, sumInsuredText string) {
	var (
		deductible strings.Builder
		sumInsured strings.Builder
		seen       = make(map[int32]struct{}, len(entitlements))
	)
	for _, e := range entitlements {
		if _, ok := seen[e.PackageID]; !ok {
			seen[e.PackageID] = struct{}{}
			ids = append(ids, e.PackageID)
		}
		deductible.WriteString(e.Name)
		deductible.WriteString(": ")
		deductible.WriteString(formatAmount(e.Deductible))
		deductible.WriteString(",\n")
		sumInsured.WriteString(e.Name)
		sumInsured.WriteString(": ")
		sumInsured.WriteString(formatAmount(e.SumInsured))
		sumInsured.WriteString(",\n")
	}
	return ids, deductible.String(), sumInsured.String()
}

// formatAmount renders a policy amount without trailing zeros (100, not 100.00).
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// generalConditionLabel lets the model distinguish "what you personally hold"
// from conditions that apply to everyone.
const generalConditionLabel = "The insurance general condition:"

// AssembleContext concatenates package-specific and general-condition text
// into the single context block the prompt consumes. No truncation happens
// here; topK tuning upstream bounds the size.
func AssembleContext(packageText, generalText string) string {
	return packageText + "\n" + generalConditionLabel + generalText
}
