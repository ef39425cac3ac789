// Package parser classifies and decodes claim submission and remittance
// advice XML into typed documents. Decoding uses encoding/xml, which never
// fetches external entities and expands only the predefined ones.
package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
)

const (
	rootSubmission = "Claim.Submission"
	rootRemittance = "Remittance.Advice"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// timeLayouts are tried in order; layouts without an offset are read in the
// parser's location.
var timeLayouts = []string{
	"02/01/2006 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// Parser decodes documents. The zero value reads zone-less timestamps as
// local time.
type Parser struct {
	Location *time.Location
}

// New returns a Parser that reads zone-less timestamps in loc.
func New(loc *time.Location) *Parser {
	return &Parser{Location: loc}
}

// DetectRoot classifies data by its first element without decoding the rest.
func DetectRoot(data []byte) (ingestion.RootKind, error) {
	d := newDecoder(data)
	for {
		tok, err := d.Token()
		if err != nil {
			return ingestion.RootUnknown, apperrors.Newf(apperrors.ErrParse, apperrors.StageDetect,
				apperrors.CodeUnknownRoot, "no root element: %v", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			switch se.Name.Local {
			case rootSubmission:
				return ingestion.RootSubmission, nil
			case rootRemittance:
				return ingestion.RootRemittance, nil
			default:
				return ingestion.RootUnknown, apperrors.Newf(apperrors.ErrParse, apperrors.StageDetect,
					apperrors.CodeUnknownRoot, "unsupported root element %q", se.Name.Local)
			}
		}
	}
}

// Parse decodes data into a Document. Malformed XML, bad numbers and bad
// timestamps are all reported as one parse failure listing every problem.
func (p *Parser) Parse(data []byte) (*Document, error) {
	root, err := DetectRoot(data)
	if err != nil {
		return nil, err
	}
	c := &converter{loc: p.location()}
	doc := &Document{Root: root}

	switch root {
	case ingestion.RootSubmission:
		var raw xmlSubmission
		if err := newDecoder(data).Decode(&raw); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrParse, apperrors.StageParse, apperrors.CodeParseFail, err)
		}
		doc.Submission = c.submission(raw)
	case ingestion.RootRemittance:
		var raw xmlRemittance
		if err := newDecoder(data).Decode(&raw); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrParse, apperrors.StageParse, apperrors.CodeParseFail, err)
		}
		doc.Remittance = c.remittance(raw)
	}

	if len(c.problems) > 0 {
		return nil, apperrors.New(apperrors.ErrParse, apperrors.StageParse, apperrors.CodeParseFail,
			strings.Join(c.problems, "; "))
	}
	return doc, nil
}

func (p *Parser) location() *time.Location {
	if p == nil || p.Location == nil {
		return time.Local
	}
	return p.Location
}

func newDecoder(data []byte) *xml.Decoder {
	d := xml.NewDecoder(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	d.Strict = true
	d.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "utf-8", "utf8", "us-ascii", "ascii":
			return input, nil
		}
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return d
}

// ParseTime reads s using the accepted timestamp layouts.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}

type converter struct {
	loc      *time.Location
	problems []string
}

func (c *converter) problem(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *converter) time(raw, field string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := ParseTime(raw, c.loc)
	if err != nil {
		c.problem("%s: %v", field, err)
		return nil
	}
	return &t
}

func (c *converter) decimal(raw, field string) Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if _, err := strconv.ParseFloat(raw, 64); err != nil {
		c.problem("%s: invalid number %q", field, raw)
		return ""
	}
	return Decimal(raw)
}

func (c *converter) header(h xmlHeader) Header {
	out := Header{
		SenderID:        strings.TrimSpace(h.SenderID),
		ReceiverID:      strings.TrimSpace(h.ReceiverID),
		TransactionDate: c.time(h.TransactionDate, "Header/TransactionDate"),
		DispositionFlag: strings.TrimSpace(h.DispositionFlag),
	}
	if rc := strings.TrimSpace(h.RecordCount); rc != "" {
		n, err := strconv.Atoi(rc)
		if err != nil {
			c.problem("Header/RecordCount: invalid integer %q", rc)
		}
		out.RecordCount = n
	}
	return out
}

func (c *converter) submission(raw xmlSubmission) *Submission {
	s := &Submission{Header: c.header(raw.Header)}
	for _, rc := range raw.Claims {
		cl := SubmissionClaim{
			ID:               strings.TrimSpace(rc.ID),
			IDPayer:          strings.TrimSpace(rc.IDPayer),
			MemberID:         strings.TrimSpace(rc.MemberID),
			PayerID:          strings.TrimSpace(rc.PayerID),
			ProviderID:       strings.TrimSpace(rc.ProviderID),
			EmiratesIDNumber: strings.TrimSpace(rc.EmiratesIDNumber),
			Gross:            c.decimal(rc.Gross, "Claim/Gross"),
			PatientShare:     c.decimal(rc.PatientShare, "Claim/PatientShare"),
			Net:              c.decimal(rc.Net, "Claim/Net"),
			Comments:         strings.TrimSpace(rc.Comments),
		}
		if rc.Contract != nil {
			cl.ContractPackage = strings.TrimSpace(rc.Contract.PackageName)
		}
		if e := rc.Encounter; e != nil {
			cl.Encounter = &Encounter{
				FacilityID:          strings.TrimSpace(e.FacilityID),
				Type:                strings.TrimSpace(e.Type),
				PatientID:           strings.TrimSpace(e.PatientID),
				Start:               c.time(e.Start, "Encounter/Start"),
				End:                 c.time(e.End, "Encounter/End"),
				StartType:           strings.TrimSpace(e.StartType),
				EndType:             strings.TrimSpace(e.EndType),
				TransferSource:      strings.TrimSpace(e.TransferSource),
				TransferDestination: strings.TrimSpace(e.TransferDestination),
			}
		}
		for _, d := range rc.Diagnoses {
			cl.Diagnoses = append(cl.Diagnoses, Diagnosis{
				Type: strings.TrimSpace(d.Type),
				Code: strings.TrimSpace(d.Code),
			})
		}
		for _, a := range rc.Activities {
			act := Activity{
				ID:                   strings.TrimSpace(a.ID),
				Start:                c.time(a.Start, "Activity/Start"),
				Type:                 strings.TrimSpace(a.Type),
				Code:                 strings.TrimSpace(a.Code),
				Quantity:             c.decimal(a.Quantity, "Activity/Quantity"),
				Net:                  c.decimal(a.Net, "Activity/Net"),
				Clinician:            strings.TrimSpace(a.Clinician),
				PriorAuthorizationID: strings.TrimSpace(a.PriorAuthorizationID),
			}
			for _, o := range a.Observations {
				act.Observations = append(act.Observations, Observation{
					Type:      strings.TrimSpace(o.Type),
					Code:      strings.TrimSpace(o.Code),
					Value:     strings.TrimSpace(o.Value),
					ValueType: strings.TrimSpace(o.ValueType),
				})
			}
			cl.Activities = append(cl.Activities, act)
		}
		if r := rc.Resubmission; r != nil {
			cl.Resubmission = &Resubmission{
				Type:       strings.TrimSpace(r.Type),
				Comment:    strings.TrimSpace(r.Comment),
				Attachment: decodeAttachment(r.Attachment),
			}
		}
		s.Claims = append(s.Claims, cl)
	}
	return s
}

func (c *converter) remittance(raw xmlRemittance) *Remittance {
	r := &Remittance{Header: c.header(raw.Header)}
	for _, rc := range raw.Claims {
		cl := RemittanceClaim{
			ID:               strings.TrimSpace(rc.ID),
			IDPayer:          strings.TrimSpace(rc.IDPayer),
			ProviderID:       strings.TrimSpace(rc.ProviderID),
			DenialCode:       strings.TrimSpace(rc.DenialCode),
			PaymentReference: strings.TrimSpace(rc.PaymentReference),
			DateSettlement:   c.time(rc.DateSettlement, "Claim/DateSettlement"),
			Comments:         strings.TrimSpace(rc.Comments),
		}
		if rc.Encounter != nil {
			cl.FacilityID = strings.TrimSpace(rc.Encounter.FacilityID)
		}
		for _, a := range rc.Activities {
			cl.Activities = append(cl.Activities, RemittanceActivity{
				ID:                   strings.TrimSpace(a.ID),
				Start:                c.time(a.Start, "Activity/Start"),
				Type:                 strings.TrimSpace(a.Type),
				Code:                 strings.TrimSpace(a.Code),
				Quantity:             c.decimal(a.Quantity, "Activity/Quantity"),
				Net:                  c.decimal(a.Net, "Activity/Net"),
				List:                 c.decimal(a.List, "Activity/List"),
				Clinician:            strings.TrimSpace(a.Clinician),
				PriorAuthorizationID: strings.TrimSpace(a.PriorAuthorizationID),
				Gross:                c.decimal(a.Gross, "Activity/Gross"),
				PatientShare:         c.decimal(a.PatientShare, "Activity/PatientShare"),
				PaymentAmount:        c.decimal(a.PaymentAmount, "Activity/PaymentAmount"),
				DenialCode:           strings.TrimSpace(a.DenialCode),
			})
		}
		r.Claims = append(r.Claims, cl)
	}
	return r
}

// decodeAttachment decodes MIME base64; invalid content is dropped rather
// than failing the claim.
func decodeAttachment(raw string) []byte {
	raw = strings.Join(strings.Fields(raw), "")
	if raw == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(b) == 0 {
		return nil
	}
	return b
}

// IsUnknownRoot reports whether err came from root detection.
func IsUnknownRoot(err error) bool {
	var se *apperrors.StageError
	return errors.As(err, &se) && se.Code == apperrors.CodeUnknownRoot
}
