// Package validate holds the readiness rules an agreement must pass before
// its budget lines can be submitted for status approval. All checks are pure
// functions over the domain structs; callers decide what to do with a
// failing Result.
package validate

import (
	"fmt"
	"time"

	"budgetline/internal/domain"
)

const (
	msgRequired       = "This is required information"
	msgNeedBudgetLine = "Must have at least one budget line item"
	msgFutureDate     = "Need by date must be in the future"
)

// Field identifies one validated aspect of an agreement. The values double
// as message keys in a Result, so they are stable API.
type Field string

const (
	FieldName               Field = "name"
	FieldType               Field = "type"
	FieldDescription        Field = "description"
	FieldProductServiceCode Field = "psc"
	FieldNAICS              Field = "naics"
	FieldSupportCode        Field = "program-support-code"
	FieldProcurementShop    Field = "procurement-shop"
	FieldReason             Field = "reason"
	FieldProjectOfficer     Field = "project-officer"
	FieldBudgetLines        Field = "budget-line-items"
)

// fieldOrder fixes the iteration order so a Result serializes identically
// across repeated runs over the same input.
var fieldOrder = []Field{
	FieldName,
	FieldType,
	FieldDescription,
	FieldProductServiceCode,
	FieldNAICS,
	FieldSupportCode,
	FieldProcurementShop,
	FieldReason,
	FieldProjectOfficer,
	FieldBudgetLines,
}

type agreementCheck func(a domain.Agreement) []string

var agreementChecks = map[Field]agreementCheck{
	FieldName:               requireString(func(a domain.Agreement) string { return a.Name }),
	FieldType:               requireString(func(a domain.Agreement) string { return string(a.Type) }),
	FieldDescription:        requireString(func(a domain.Agreement) string { return a.Description }),
	FieldProductServiceCode: requireString(func(a domain.Agreement) string { return a.ProductServiceCode }),
	FieldNAICS:              requireString(func(a domain.Agreement) string { return a.NAICS }),
	FieldSupportCode:        requireString(func(a domain.Agreement) string { return a.SupportCode }),
	FieldProcurementShop:    requireString(func(a domain.Agreement) string { return a.ProcurementShop }),
	FieldReason:             requireString(func(a domain.Agreement) string { return string(a.Reason) }),
	FieldProjectOfficer:     requireString(func(a domain.Agreement) string { return a.ProjectOfficerID }),
	FieldBudgetLines: func(a domain.Agreement) []string {
		if len(a.BudgetLines) == 0 {
			return []string{msgNeedBudgetLine}
		}
		return nil
	},
}

func requireString(get func(domain.Agreement) string) agreementCheck {
	return func(a domain.Agreement) []string {
		if get(a) == "" {
			return []string{msgRequired}
		}
		return nil
	}
}

// Result accumulates validation messages keyed by field (or by budget line
// label). Key order is insertion order, which the rule tables keep fixed.
type Result struct {
	keys []string
	msgs map[string][]string
}

func (r *Result) add(key string, msgs []string) {
	if len(msgs) == 0 {
		return
	}
	if r.msgs == nil {
		r.msgs = make(map[string][]string)
	}
	if _, seen := r.msgs[key]; !seen {
		r.keys = append(r.keys, key)
	}
	r.msgs[key] = append(r.msgs[key], msgs...)
}

// IsValid reports whether no check produced a message.
func (r Result) IsValid() bool { return len(r.keys) == 0 }

// Keys returns the message keys in check order.
func (r Result) Keys() []string { return r.keys }

// Messages returns the message map. Callers must not mutate it.
func (r Result) Messages() map[string][]string { return r.msgs }

// Err returns a FailedError when the result is invalid, nil otherwise.
func (r Result) Err() error {
	if r.IsValid() {
		return nil
	}
	return &FailedError{Result: r}
}

// FailedError carries a failing Result across the engine boundary so the
// transport layer can render the full message map.
type FailedError struct {
	Result Result
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("validation failed on %d field(s)", len(e.Result.keys))
}

// Agreement runs every agreement-level and per-budget-line check. The same
// input always yields the same Result.
func Agreement(a domain.Agreement, now time.Time) Result {
	var r Result
	for _, f := range fieldOrder {
		r.add(string(f), agreementChecks[f](a))
	}
	for _, b := range a.BudgetLines {
		key := fmt.Sprintf("Budget line item (%s)", b.DisplayName())
		r.add(key, BudgetLine(b, now))
	}
	return r
}

// AgreementField re-runs the single check for one field, for incremental
// validation as a caller edits. Unknown fields yield an empty Result.
func AgreementField(a domain.Agreement, field Field, now time.Time) Result {
	var r Result
	check, ok := agreementChecks[field]
	if !ok {
		return r
	}
	r.add(string(field), check(a))
	if field == FieldBudgetLines {
		for _, b := range a.BudgetLines {
			key := fmt.Sprintf("Budget line item (%s)", b.DisplayName())
			r.add(key, BudgetLine(b, now))
		}
	}
	return r
}

// BudgetLine returns the messages for one line: need-by date and CAN must be
// set, the amount positive, and the need-by date in the future.
func BudgetLine(b domain.BudgetLineItem, now time.Time) []string {
	var msgs []string
	if b.DateNeeded == "" || b.DateNeeded == "--" {
		msgs = append(msgs, msgRequired)
	}
	if b.CANID == "" {
		msgs = append(msgs, msgRequired)
	}
	if !b.Amount.IsPositive() {
		msgs = append(msgs, msgRequired)
	}
	if d, err := time.Parse("2006-01-02", b.DateNeeded); err == nil {
		today := now.UTC().Truncate(24 * time.Hour)
		if !d.After(today) {
			msgs = append(msgs, msgFutureDate)
		}
	}
	return msgs
}
