// Package validator enforces the header precheck and the document-level
// business rules on parsed submissions and remittances. It returns
// per-field error details.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/parser"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
)

// maxFields caps how many field failures are carried in one error.
const maxFields = 50

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Code   string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", k, e.Fields[k]))
	}
	return strings.Join(parts, "; ")
}

type collector struct {
	fields map[string]string
}

func (c *collector) add(field, msg string) {
	if c.fields == nil {
		c.fields = make(map[string]string)
	}
	if len(c.fields) >= maxFields {
		return
	}
	if _, exists := c.fields[field]; !exists {
		c.fields[field] = msg
	}
}

func (c *collector) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		c.add(field, "is required")
	}
}

func (c *collector) err(stage, code string) error {
	if len(c.fields) == 0 {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrValidation, stage, code, &ValidationError{Code: code, Fields: c.fields})
}

// CheckHeader verifies the fields every file must carry before its header is
// recorded. The returned error unwraps to *ValidationError.
func CheckHeader(doc *parser.Document) error {
	var c collector
	h := doc.Header()
	c.required("Header/SenderID", h.SenderID)
	c.required("Header/ReceiverID", h.ReceiverID)
	c.required("Header/DispositionFlag", h.DispositionFlag)
	if h.TransactionDate == nil {
		c.add("Header/TransactionDate", "is required")
	}
	if h.RecordCount <= 0 {
		c.add("Header/RecordCount", "must be greater than zero")
	}
	counts := doc.Counts()
	if counts.Claims == 0 {
		c.add("Claim", "at least one claim is required")
	}
	if doc.Remittance != nil && h.RecordCount > 0 && h.RecordCount != counts.Claims {
		c.add("Header/RecordCount", fmt.Sprintf("declares %d claims but file has %d", h.RecordCount, counts.Claims))
	}
	return c.err(apperrors.StageHeaderValidate, apperrors.CodeMissingHeader)
}

// Validate applies the business rules of the document's kind.
func Validate(doc *parser.Document) error {
	switch {
	case doc.Submission != nil:
		return validateSubmission(doc.Submission)
	case doc.Remittance != nil:
		return validateRemittance(doc.Remittance)
	default:
		return apperrors.New(apperrors.ErrValidation, apperrors.StageValidate, apperrors.CodeSubmissionRules, "empty document")
	}
}

func validateSubmission(s *parser.Submission) error {
	var c collector
	for i, cl := range s.Claims {
		p := claimPath(i, cl.ID)
		c.required(p+"/ID", cl.ID)
		c.required(p+"/PayerID", cl.PayerID)
		c.required(p+"/ProviderID", cl.ProviderID)
		c.required(p+"/EmiratesIDNumber", cl.EmiratesIDNumber)
		c.required(p+"/Gross", string(cl.Gross))
		c.required(p+"/PatientShare", string(cl.PatientShare))
		c.required(p+"/Net", string(cl.Net))
		if len(cl.Diagnoses) == 0 {
			c.add(p+"/Diagnosis", "at least one diagnosis is required")
		}
		for j, d := range cl.Diagnoses {
			dp := fmt.Sprintf("%s/Diagnosis[%d]", p, j)
			c.required(dp+"/Type", d.Type)
			c.required(dp+"/Code", d.Code)
		}
		if len(cl.Activities) == 0 {
			c.add(p+"/Activity", "at least one activity is required")
		}
		seen := make(map[string]bool, len(cl.Activities))
		for j, a := range cl.Activities {
			ap := activityPath(p, j, a.ID)
			c.required(ap+"/ID", a.ID)
			c.required(ap+"/Type", a.Type)
			c.required(ap+"/Code", a.Code)
			c.required(ap+"/Quantity", string(a.Quantity))
			c.required(ap+"/Net", string(a.Net))
			c.required(ap+"/Clinician", a.Clinician)
			if a.Start == nil {
				c.add(ap+"/Start", "is required")
			}
			if a.ID != "" && seen[a.ID] {
				c.add(ap+"/ID", "duplicate activity id within claim")
			}
			seen[a.ID] = true
			for k, o := range a.Observations {
				op := fmt.Sprintf("%s/Observation[%d]", ap, k)
				c.required(op+"/Type", o.Type)
				c.required(op+"/Code", o.Code)
			}
		}
		if r := cl.Resubmission; r != nil {
			c.required(p+"/Resubmission/Type", r.Type)
			c.required(p+"/Resubmission/Comment", r.Comment)
		}
	}
	return c.err(apperrors.StageValidate, apperrors.CodeSubmissionRules)
}

func validateRemittance(r *parser.Remittance) error {
	var c collector
	for i, cl := range r.Claims {
		p := claimPath(i, cl.ID)
		c.required(p+"/ID", cl.ID)
		c.required(p+"/IDPayer", cl.IDPayer)
		c.required(p+"/PaymentReference", cl.PaymentReference)
		if len(cl.Activities) == 0 {
			c.add(p+"/Activity", "at least one activity is required")
		}
		seen := make(map[string]bool, len(cl.Activities))
		for j, a := range cl.Activities {
			ap := activityPath(p, j, a.ID)
			c.required(ap+"/ID", a.ID)
			c.required(ap+"/Type", a.Type)
			c.required(ap+"/Code", a.Code)
			c.required(ap+"/Net", string(a.Net))
			c.required(ap+"/PaymentAmount", string(a.PaymentAmount))
			c.required(ap+"/Clinician", a.Clinician)
			if a.ID != "" && seen[a.ID] {
				c.add(ap+"/ID", "duplicate activity id within claim")
			}
			seen[a.ID] = true
		}
	}
	return c.err(apperrors.StageValidate, apperrors.CodeRemittanceRules)
}

func claimPath(i int, id string) string {
	if id == "" {
		return fmt.Sprintf("Claim[%d]", i)
	}
	return "Claim[" + id + "]"
}

func activityPath(claim string, j int, id string) string {
	if id == "" {
		return fmt.Sprintf("%s/Activity[%d]", claim, j)
	}
	return claim + "/Activity[" + id + "]"
}
