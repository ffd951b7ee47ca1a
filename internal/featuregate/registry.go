package featuregate

import (
	"sort"
	"sync"

	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
)

// ToolEntry describes one dispatchable tool.
type ToolEntry struct {
	Name string
	// RequiredTier is the minimum tier that may invoke the tool.
	RequiredTier licensedomain.Tier
	// Feature is the feature the tool belongs to, used for previews.
	Feature string
}

// Registry is the single startup-built table mapping tool name to its
// required tier. Every dispatch decision goes through it; there are no
// other tool-membership lists.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolEntry
}

func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]ToolEntry)}
	for _, e := range defaultTools() {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(entry ToolEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[entry.Name] = entry
}

func (r *Registry) Lookup(tool string) (ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[tool]
	return entry, ok
}

func (r *Registry) Tools() []ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolEntry, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func defaultTools() []ToolEntry {
	return []ToolEntry{
		{Name: "context.search", RequiredTier: licensedomain.TierFree, Feature: FeatureContextSearch},
		{Name: "context.summarize_file", RequiredTier: licensedomain.TierFree, Feature: FeatureFileSummary},
		{Name: "tests.run", RequiredTier: licensedomain.TierFree, Feature: FeatureTestRuns},
		{Name: "context.semantic_search", RequiredTier: licensedomain.TierPro, Feature: FeatureSemanticSearch},
		{Name: "tests.coverage_report", RequiredTier: licensedomain.TierPro, Feature: FeatureCoverageReports},
		{Name: "reports.export_pdf", RequiredTier: licensedomain.TierPro, Feature: FeaturePDFExport},
		{Name: "team.dashboard", RequiredTier: licensedomain.TierEnterprise, Feature: FeatureTeamDashboards},
		{Name: "audit.export", RequiredTier: licensedomain.TierEnterprise, Feature: FeatureAuditExport},
	}
}
