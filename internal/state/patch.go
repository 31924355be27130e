package state

import "fmt"

// Field identifies a writable field of the shared state record.
type Field string

const (
	FieldPlan               Field = "plan"
	FieldEvidence           Field = "evidence"
	FieldDraftAnswer        Field = "draft_answer"
	FieldCitations          Field = "citations"
	FieldClaimVerifications Field = "claim_verifications"
)

// Patch is a partial state update produced by one stage execution. Only the
// fields a stage is authorized to write may be set; Apply rejects the rest.
type Patch struct {
	Plan               []PlanStep
	Evidence           []EvidenceChunk
	DraftAnswer        *string
	Citations          []Citation
	ClaimVerifications []ClaimVerification
}

// Fields returns the fields the patch sets, in declaration order.
func (p Patch) Fields() []Field {
	var fields []Field
	if p.Plan != nil {
		fields = append(fields, FieldPlan)
	}
	if p.Evidence != nil {
		fields = append(fields, FieldEvidence)
	}
	if p.DraftAnswer != nil {
		fields = append(fields, FieldDraftAnswer)
	}
	if p.Citations != nil {
		fields = append(fields, FieldCitations)
	}
	if p.ClaimVerifications != nil {
		fields = append(fields, FieldClaimVerifications)
	}
	return fields
}

// IsEmpty reports whether the patch sets no fields.
func (p Patch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// Apply merges the patch into the record, enforcing the per-stage field
// authorization. Evidence is merged additively with deduplication by
// (source_id, chunk_id); all other fields are replaced. Applying any patch
// to a refused record is a contract violation.
func (r *Record) Apply(patch Patch, authorized map[Field]bool) error {
	if r.Refusal {
		return ErrRecordTerminal
	}
	for _, f := range patch.Fields() {
		if !authorized[f] {
			return fmt.Errorf("%w: %s", ErrUnauthorizedField, f)
		}
	}
	if patch.Plan != nil {
		r.Plan = patch.Plan
	}
	if patch.Evidence != nil {
		r.mergeEvidence(patch.Evidence)
	}
	if patch.DraftAnswer != nil {
		r.DraftAnswer = *patch.DraftAnswer
	}
	if patch.Citations != nil {
		r.Citations = patch.Citations
	}
	if patch.ClaimVerifications != nil {
		r.ClaimVerifications = patch.ClaimVerifications
	}
	return nil
}

// mergeEvidence appends chunks not already present. Existing chunks keep
// their position so earlier retrieval rounds stay stable in the ordering.
func (r *Record) mergeEvidence(chunks []EvidenceChunk) {
	seen := r.EvidenceKeys()
	for _, c := range chunks {
		if _, ok := seen[c.Key()]; ok {
			continue
		}
		seen[c.Key()] = struct{}{}
		r.Evidence = append(r.Evidence, c)
	}
}
