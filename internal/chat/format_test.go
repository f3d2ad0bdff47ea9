package chat

import (
	"strings"
	"testing"

	"github.com/insurapolis/backend/internal/repository"
	"github.com/stretchr/testify/assert"
)

func TestFormatPackages(t *testing.T) {
	testCases := []struct {
		name               string
		entitlements       []repository.PackageEntitlement
		expectedIDs        []int32
		expectedDeductible string
		expectedSumInsured string
	}{
		{
			name: "Two Packages",
			entitlements: []repository.PackageEntitlement{
				{PackageID: 5, Name: "Travel", Deductible: 100, SumInsured: 5000},
				{PackageID: 7, Name: "Household", Deductible: 200, SumInsured: 10000},
			},
			expectedIDs:        []int32{5, 7},
			expectedDeductible: "Travel: 100,\nHousehold: 200,\n",
			expectedSumInsured: "Travel: 5000,\nHousehold: 10000,\n",
		},
		{
			name:               "No Entitlements",
			entitlements:       nil,
			expectedIDs:        nil,
			expectedDeductible: "",
			expectedSumInsured: "",
		},
		{
			name: "Duplicate Package IDs Are Deduplicated",
			entitlements: []repository.PackageEntitlement{
				{PackageID: 3, Name: "Travel", Deductible: 100, SumInsured: 5000},
				{PackageID: 3, Name: "Travel", Deductible: 150, SumInsured: 7500},
			},
			expectedIDs:        []int32{3},
			expectedDeductible: "Travel: 100,\nTravel: 150,\n",
			expectedSumInsured: "Travel: 5000,\nTravel: 7500,\n",
		},
		{
			name: "Fractional Amounts Keep Their Precision",
			entitlements: []repository.PackageEntitlement{
				{PackageID: 1, Name: "Liability", Deductible: 99.5, SumInsured: 1000000},
			},
			expectedIDs:        []int32{1},
			expectedDeductible: "Liability: 99.5,\n",
			expectedSumInsured: "Liability: 1000000,\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ids, deductible, sumInsured := FormatPackages(tc.entitlements)

			assert.Equal(t, tc.expectedIDs, ids)
			assert.Equal(t, tc.expectedDeductible, deductible)
			assert.Equal(t, tc.expectedSumInsured, sumInsured)
		})
	}
}

func TestFormatPackagesLineCountMatchesEntitlements(t *testing.T) {
	entitlements := []repository.PackageEntitlement{
		{PackageID: 1, Name: "A", Deductible: 1, SumInsured: 10},
		{PackageID: 2, Name: "B", Deductible: 2, SumInsured: 20},
		{PackageID: 2, Name: "B", Deductible: 3, SumInsured: 30},
	}

	_, deductible, sumInsured := FormatPackages(entitlements)

	assert.Equal(t, len(entitlements), strings.Count(deductible, ",\n"))
	assert.Equal(t, len(entitlements), strings.Count(sumInsured, ",\n"))
}

func TestAssembleContext(t *testing.T) {
	got := AssembleContext("package text", "\ngeneral text")

	assert.Equal(t, "package text\nThe insurance general condition:\ngeneral text", got)
}

func TestAssembleContextWithNoPackageText(t *testing.T) {
	got := AssembleContext("", "general only")

	assert.True(t, strings.HasPrefix(got, "\nThe insurance general condition:"))
	assert.Contains(t, got, "general only")
}
