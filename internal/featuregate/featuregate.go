// Package featuregate maps tiers to feature sets and decides, for every
// tool dispatch, whether the resolved tier may run the tool.
package featuregate

import (
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
)

// Deny codes surfaced to tool dispatch.
const (
	CodeFeatureLocked        = "FEATURE_LOCKED"
	CodeQuotaExceeded        = "QUOTA_EXCEEDED"
	CodeMachineLimitExceeded = "MACHINE_LIMIT_EXCEEDED"
)

// Feature identifiers. The per-tier sets are cumulative:
// features(FREE) ⊆ features(PRO) ⊆ features(ENTERPRISE).
const (
	FeatureContextSearch   = "context_search"
	FeatureFileSummary     = "file_summary"
	FeatureTestRuns        = "test_runs"
	FeatureSemanticSearch  = "semantic_search"
	FeatureCoverageReports = "coverage_reports"
	FeaturePDFExport       = "pdf_export"
	FeatureTeamDashboards  = "team_dashboards"
	FeatureAuditExport     = "audit_export"
	FeatureSSO             = "sso"
)

var tierFeatures = map[licensedomain.Tier][]string{
	licensedomain.TierFree: {
		FeatureContextSearch,
		FeatureFileSummary,
		FeatureTestRuns,
	},
	licensedomain.TierPro: {
		FeatureSemanticSearch,
		FeatureCoverageReports,
		FeaturePDFExport,
	},
	licensedomain.TierEnterprise: {
		FeatureTeamDashboards,
		FeatureAuditExport,
		FeatureSSO,
	},
}

var featurePreviews = map[string]string{
	FeatureSemanticSearch:  "Semantic code search across your whole workspace",
	FeatureCoverageReports: "Coverage trends and per-package reports",
	FeaturePDFExport:       "Exportable PDF reports for reviews",
	FeatureTeamDashboards:  "Shared team dashboards and insights",
	FeatureAuditExport:     "Audit-ready activity exports",
	FeatureSSO:             "Single sign-on for your organization",
}

// FeaturesFor returns the cumulative feature set for a tier.
func FeaturesFor(tier licensedomain.Tier) []string {
	var out []string
	for _, t := range []licensedomain.Tier{licensedomain.TierFree, licensedomain.TierPro, licensedomain.TierEnterprise} {
		out = append(out, tierFeatures[t]...)
		if t == tier {
			break
		}
	}
	return out
}

// Preview returns a short upsell description for a feature, if one exists.
func Preview(feature string) string {
	return featurePreviews[feature]
}
