// Package sample builds synthetic submission and remittance documents for
// tests, benchmarks and the drop generator.
package sample

import (
	"fmt"
	"strings"
	"time"
)

// Options shape a generated document. Zero values produce a small valid
// file.
type Options struct {
	SenderID           string
	ReceiverID         string
	TxDate             time.Time
	ClaimPrefix        string
	Claims             int
	ActivitiesPerClaim int
	// RecordCount overrides the header count; zero means Claims.
	RecordCount  int
	OmitSender   bool
	Resubmission bool
	// DuplicateLast repeats the last claim ID once more.
	DuplicateLast bool
}

func (o Options) withDefaults() Options {
	if o.SenderID == "" {
		o.SenderID = "MF123"
	}
	if o.ReceiverID == "" {
		o.ReceiverID = "INS001"
	}
	if o.TxDate.IsZero() {
		o.TxDate = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	}
	if o.ClaimPrefix == "" {
		o.ClaimPrefix = "CLM"
	}
	if o.Claims <= 0 {
		o.Claims = 1
	}
	if o.ActivitiesPerClaim <= 0 {
		o.ActivitiesPerClaim = 1
	}
	if o.RecordCount == 0 {
		o.RecordCount = o.Claims
		if o.DuplicateLast {
			o.RecordCount++
		}
	}
	return o
}

func (o Options) claimIDs() []string {
	ids := make([]string, 0, o.Claims+1)
	for i := 1; i <= o.Claims; i++ {
		ids = append(ids, fmt.Sprintf("%s-%04d", o.ClaimPrefix, i))
	}
	if o.DuplicateLast {
		ids = append(ids, ids[len(ids)-1])
	}
	return ids
}

func writeHeader(b *strings.Builder, o Options) {
	b.WriteString("<Header>")
	if !o.OmitSender {
		fmt.Fprintf(b, "<SenderID>%s</SenderID>", o.SenderID)
	}
	fmt.Fprintf(b, "<ReceiverID>%s</ReceiverID>", o.ReceiverID)
	fmt.Fprintf(b, "<TransactionDate>%s</TransactionDate>", o.TxDate.Format("02/01/2006 15:04"))
	fmt.Fprintf(b, "<RecordCount>%d</RecordCount>", o.RecordCount)
	b.WriteString("<DispositionFlag>PRODUCTION</DispositionFlag>")
	b.WriteString("</Header>")
}

// Submission renders a Claim.Submission document.
func Submission(o Options) []byte {
	o = o.withDefaults()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<Claim.Submission xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">`)
	writeHeader(&b, o)
	start := o.TxDate.Add(-48 * time.Hour).Format("02/01/2006 15:04")
	for _, id := range o.claimIDs() {
		b.WriteString("<Claim>")
		fmt.Fprintf(&b, "<ID>%s</ID>", id)
		b.WriteString("<MemberID>M-778</MemberID><PayerID>INS001</PayerID>")
		b.WriteString("<ProviderID>MF123</ProviderID><EmiratesIDNumber>784-1990-1234567-1</EmiratesIDNumber>")
		fmt.Fprintf(&b, "<Gross>%d.00</Gross><PatientShare>10.00</PatientShare><Net>%d.00</Net>",
			100*o.ActivitiesPerClaim+10, 100*o.ActivitiesPerClaim)
		fmt.Fprintf(&b, "<Encounter><FacilityID>MF123</FacilityID><Type>1</Type><PatientID>P-1</PatientID>"+
			"<Start>%s</Start><StartType>1</StartType></Encounter>", start)
		b.WriteString("<Diagnosis><Type>Principal</Type><Code>J06.9</Code></Diagnosis>")
		for a := 1; a <= o.ActivitiesPerClaim; a++ {
			fmt.Fprintf(&b, "<Activity><ID>%s-A%d</ID><Start>%s</Start><Type>3</Type><Code>99213</Code>"+
				"<Quantity>1</Quantity><Net>100.00</Net><Clinician>DHA-P-001</Clinician>"+
				"<Observation><Type>Text</Type><Code>BP</Code><Value>120/80</Value><ValueType>mmHg</ValueType></Observation>"+
				"</Activity>", id, a, start)
		}
		if o.Resubmission {
			b.WriteString("<Resubmission><Type>correction</Type><Comment>fixed code</Comment></Resubmission>")
		}
		b.WriteString("</Claim>")
	}
	b.WriteString("</Claim.Submission>")
	return []byte(b.String())
}

// Remittance renders a Remittance.Advice document paying every activity of
// the claims Submission(o) would produce.
func Remittance(o Options) []byte {
	o = o.withDefaults()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<Remittance.Advice>`)
	o.SenderID, o.ReceiverID = o.ReceiverID, o.SenderID
	writeHeader(&b, o)
	settled := o.TxDate.Format("02/01/2006 15:04")
	for _, id := range o.claimIDs() {
		b.WriteString("<Claim>")
		fmt.Fprintf(&b, "<ID>%s</ID><IDPayer>PAY-%s</IDPayer><ProviderID>MF123</ProviderID>", id, id)
		fmt.Fprintf(&b, "<PaymentReference>REF-%s</PaymentReference><DateSettlement>%s</DateSettlement>", id, settled)
		b.WriteString("<Encounter><FacilityID>MF123</FacilityID></Encounter>")
		for a := 1; a <= o.ActivitiesPerClaim; a++ {
			fmt.Fprintf(&b, "<Activity><ID>%s-A%d</ID><Start>%s</Start><Type>3</Type><Code>99213</Code>"+
				"<Quantity>1</Quantity><Net>100.00</Net><Clinician>DHA-P-001</Clinician>"+
				"<PaymentAmount>100.00</PaymentAmount></Activity>", id, a, settled)
		}
		b.WriteString("</Claim>")
	}
	b.WriteString("</Remittance.Advice>")
	return []byte(b.String())
}
