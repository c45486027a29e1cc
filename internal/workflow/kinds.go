package workflow

import (
	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/primitives"
)

// runIdentity verifies the subject's personal information against a primary
// source. There is no classifier phase: the lookup either corroborates the
// identity or its failure is recorded for reviewers, and the step completes
// either way. A gateway throw therefore cannot abort this workflow.
func runIdentity(e *execution) {
	if !e.expand() {
		return
	}

	result := e.lookup()
	e.recordOutcome(result, 0)

	if !e.status(schemas.StepCompleted) {
		return
	}
	if !e.save(schemas.StepCompleted) {
		return
	}
	if !e.collapse() {
		return
	}
	e.finish(schemas.StepCompleted)
}

// runClassified is the classifier-driven sequence shared by the registry and
// sanctions workflows: the source answer, or the error-shaped substitute for
// a thrown call, goes through exactly one classification and the verdict
// lands as notes, status and a saved completion record.
func runClassified(e *execution) {
	if !e.expand() {
		return
	}

	result := e.lookup()
	decision := e.classify(result)
	e.notes(decision.Reasoning)

	status := decision.Decision.StepStatus()
	if !e.status(status) {
		return
	}
	if !e.save(status, primitives.WithDecision(decision)) {
		return
	}
	if !e.collapse() {
		return
	}
	e.finish(status)
}

// runLicense extends the classified sequence with the license phase: when
// the verdict extracted a complete license field set, the entry is committed
// onto the step before the verdict lands.
func runLicense(e *execution) {
	if !e.expand() {
		return
	}

	result := e.lookup()
	decision := e.classify(result)

	if !e.license(decision) {
		return
	}
	e.notes(decision.Reasoning)

	status := decision.Decision.StepStatus()
	if !e.status(status) {
		return
	}
	if !e.save(status, primitives.WithDecision(decision)) {
		return
	}
	if !e.collapse() {
		return
	}
	e.finish(status)
}
