package parser

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
)

// Decimal is a numeric value kept in its textual form so that amounts reach
// NUMERIC columns without float rounding. Empty means absent.
type Decimal string

// Header is shared by both document kinds.
type Header struct {
	SenderID        string
	ReceiverID      string
	TransactionDate *time.Time
	RecordCount     int
	DispositionFlag string
}

// Document is a parsed file; exactly one of Submission or Remittance is set.
type Document struct {
	Root       ingestion.RootKind
	Submission *Submission
	Remittance *Remittance
}

// Header returns the header of whichever variant is present.
func (d *Document) Header() Header {
	switch {
	case d.Submission != nil:
		return d.Submission.Header
	case d.Remittance != nil:
		return d.Remittance.Header
	default:
		return Header{}
	}
}

// Counts returns the number of claims and activities as read.
func (d *Document) Counts() ingestion.ParsedCounts {
	var c ingestion.ParsedCounts
	switch {
	case d.Submission != nil:
		c.Claims = len(d.Submission.Claims)
		for _, cl := range d.Submission.Claims {
			c.Activities += len(cl.Activities)
		}
	case d.Remittance != nil:
		c.Claims = len(d.Remittance.Claims)
		for _, cl := range d.Remittance.Claims {
			c.Activities += len(cl.Activities)
		}
	}
	return c
}

// Submission is a Claim.Submission document.
type Submission struct {
	Header Header
	Claims []SubmissionClaim
}

type SubmissionClaim struct {
	ID               string
	IDPayer          string
	MemberID         string
	PayerID          string
	ProviderID       string
	EmiratesIDNumber string
	Gross            Decimal
	PatientShare     Decimal
	Net              Decimal
	Comments         string
	Encounter        *Encounter
	Diagnoses        []Diagnosis
	Activities       []Activity
	Resubmission     *Resubmission
	ContractPackage  string
}

type Encounter struct {
	FacilityID          string
	Type                string
	PatientID           string
	Start               *time.Time
	End                 *time.Time
	StartType           string
	EndType             string
	TransferSource      string
	TransferDestination string
}

type Diagnosis struct {
	Type string
	Code string
}

type Activity struct {
	ID                   string
	Start                *time.Time
	Type                 string
	Code                 string
	Quantity             Decimal
	Net                  Decimal
	Clinician            string
	PriorAuthorizationID string
	Observations         []Observation
}

type Observation struct {
	Type      string
	Code      string
	Value     string
	ValueType string
}

// Resubmission marks a claim as a resubmission of an earlier one.
type Resubmission struct {
	Type       string
	Comment    string
	Attachment []byte
}

// Remittance is a Remittance.Advice document.
type Remittance struct {
	Header Header
	Claims []RemittanceClaim
}

type RemittanceClaim struct {
	ID               string
	IDPayer          string
	ProviderID       string
	DenialCode       string
	PaymentReference string
	DateSettlement   *time.Time
	FacilityID       string
	Comments         string
	Activities       []RemittanceActivity
}

type RemittanceActivity struct {
	ID                   string
	Start                *time.Time
	Type                 string
	Code                 string
	Quantity             Decimal
	Net                  Decimal
	List                 Decimal
	Clinician            string
	PriorAuthorizationID string
	Gross                Decimal
	PatientShare         Decimal
	PaymentAmount        Decimal
	DenialCode           string
}
