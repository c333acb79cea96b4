package goal

import "slices"

// DerivePhase labels research progress from which goals are complete.
// Rules are evaluated in order and the first match wins:
//  1. IDENTIFY_PRODUCT exists and is not complete: identification.
//  2. GATHER_METADATA and RESEARCH_MARKET both exist and are complete: assembly.
//  3. Otherwise: parallel.
//
// A goal set without IDENTIFY_PRODUCT skips rule 1.
func DerivePhase(goals []Goal, completed []string) Phase {
	if id, ok := Find(goals, TypeIdentifyProduct); ok && !slices.Contains(completed, id.ID) {
		return PhaseIdentification
	}

	meta, hasMeta := Find(goals, TypeGatherMetadata)
	market, hasMarket := Find(goals, TypeResearchMarket)
	if hasMeta && hasMarket && slices.Contains(completed, meta.ID) && slices.Contains(completed, market.ID) {
		return PhaseAssembly
	}

	return PhaseParallel
}
