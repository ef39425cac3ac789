package parser

// Wire shapes. Every leaf is read as text and converted afterwards so that
// one bad value is reported alongside the others instead of aborting the
// decode.

type xmlHeader struct {
	SenderID        string `xml:"SenderID"`
	ReceiverID      string `xml:"ReceiverID"`
	TransactionDate string `xml:"TransactionDate"`
	RecordCount     string `xml:"RecordCount"`
	DispositionFlag string `xml:"DispositionFlag"`
}

type xmlSubmission struct {
	Header xmlHeader            `xml:"Header"`
	Claims []xmlSubmissionClaim `xml:"Claim"`
}

type xmlSubmissionClaim struct {
	ID               string           `xml:"ID"`
	IDPayer          string           `xml:"IDPayer"`
	MemberID         string           `xml:"MemberID"`
	PayerID          string           `xml:"PayerID"`
	ProviderID       string           `xml:"ProviderID"`
	EmiratesIDNumber string           `xml:"EmiratesIDNumber"`
	Gross            string           `xml:"Gross"`
	PatientShare     string           `xml:"PatientShare"`
	Net              string           `xml:"Net"`
	Comments         string           `xml:"Comments"`
	Encounter        *xmlEncounter    `xml:"Encounter"`
	Diagnoses        []xmlDiagnosis   `xml:"Diagnosis"`
	Activities       []xmlActivity    `xml:"Activity"`
	Resubmission     *xmlResubmission `xml:"Resubmission"`
	Contract         *xmlContract     `xml:"Contract"`
}

type xmlEncounter struct {
	FacilityID          string `xml:"FacilityID"`
	Type                string `xml:"Type"`
	PatientID           string `xml:"PatientID"`
	Start               string `xml:"Start"`
	End                 string `xml:"End"`
	StartType           string `xml:"StartType"`
	EndType             string `xml:"EndType"`
	TransferSource      string `xml:"TransferSource"`
	TransferDestination string `xml:"TransferDestination"`
}

type xmlDiagnosis struct {
	Type string `xml:"Type"`
	Code string `xml:"Code"`
}

type xmlActivity struct {
	ID                   string           `xml:"ID"`
	Start                string           `xml:"Start"`
	Type                 string           `xml:"Type"`
	Code                 string           `xml:"Code"`
	Quantity             string           `xml:"Quantity"`
	Net                  string           `xml:"Net"`
	Clinician            string           `xml:"Clinician"`
	PriorAuthorizationID string           `xml:"PriorAuthorizationID"`
	Observations         []xmlObservation `xml:"Observation"`
}

type xmlObservation struct {
	Type      string `xml:"Type"`
	Code      string `xml:"Code"`
	Value     string `xml:"Value"`
	ValueType string `xml:"ValueType"`
}

type xmlResubmission struct {
	Type       string `xml:"Type"`
	Comment    string `xml:"Comment"`
	Attachment string `xml:"Attachment"`
}

type xmlContract struct {
	PackageName string `xml:"PackageName"`
}

type xmlRemittance struct {
	Header xmlHeader            `xml:"Header"`
	Claims []xmlRemittanceClaim `xml:"Claim"`
}

type xmlRemittanceClaim struct {
	ID               string                  `xml:"ID"`
	IDPayer          string                  `xml:"IDPayer"`
	ProviderID       string                  `xml:"ProviderID"`
	DenialCode       string                  `xml:"DenialCode"`
	PaymentReference string                  `xml:"PaymentReference"`
	DateSettlement   string                  `xml:"DateSettlement"`
	Comments         string                  `xml:"Comments"`
	Encounter        *xmlRemittanceEncounter `xml:"Encounter"`
	Activities       []xmlRemittanceActivity `xml:"Activity"`
}

type xmlRemittanceEncounter struct {
	FacilityID string `xml:"FacilityID"`
}

type xmlRemittanceActivity struct {
	ID                   string `xml:"ID"`
	Start                string `xml:"Start"`
	Type                 string `xml:"Type"`
	Code                 string `xml:"Code"`
	Quantity             string `xml:"Quantity"`
	Net                  string `xml:"Net"`
	List                 string `xml:"List"`
	Clinician            string `xml:"Clinician"`
	PriorAuthorizationID string `xml:"PriorAuthorizationID"`
	Gross                string `xml:"Gross"`
	PatientShare         string `xml:"PatientShare"`
	PaymentAmount        string `xml:"PaymentAmount"`
	DenialCode           string `xml:"DenialCode"`
}
