package soap

import (
	"bytes"
	"encoding/xml"
	"strconv"
)

const (
	serviceNamespace = "http://www.eClaimLink.ae/"
	soap11Namespace  = "http://schemas.xmlsoap.org/soap/envelope/"
	soap12Namespace  = "http://www.w3.org/2003/05/soap-envelope"
)

// Operation names of the DHPO web service.
const (
	OpGetNewTransactions       = "GetNewTransactions"
	OpSearchTransactions       = "SearchTransactions"
	OpDownloadTransactionFile  = "DownloadTransactionFile"
	OpSetTransactionDownloaded = "SetTransactionDownloaded"
)

// Action returns the SOAPAction URI of an operation.
func Action(op string) string {
	return serviceNamespace + op
}

type field struct {
	name  string
	value string
}

// Envelope renders a request for op with its parameters in order. Values are
// escaped as XML text.
func Envelope(op string, soap12 bool, fields ...field) []byte {
	prefix, ns := "soap", soap11Namespace
	if soap12 {
		prefix, ns = "soap12", soap12Namespace
	}
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<` + prefix + `:Envelope xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:` + prefix + `="` + ns + `">`)
	b.WriteString(`<` + prefix + `:Body>`)
	b.WriteString(`<` + op + ` xmlns="` + serviceNamespace + `">`)
	for _, f := range fields {
		b.WriteString("<" + f.name + ">")
		xml.EscapeText(&b, []byte(f.value))
		b.WriteString("</" + f.name + ">")
	}
	b.WriteString(`</` + op + `>`)
	b.WriteString(`</` + prefix + `:Body></` + prefix + `:Envelope>`)
	return b.Bytes()
}

func credentialFields(login, pwd string) []field {
	return []field{{"login", login}, {"pwd", pwd}}
}

// SearchRequest are the SearchTransactions filters besides credentials.
type SearchRequest struct {
	Direction         int
	CallerLicense     string
	EPartner          string
	TransactionID     int
	TransactionStatus int
	FromDate          string
	ToDate            string
	MinRecordCount    int
	MaxRecordCount    int
}

func optionalInt(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func searchFields(login, pwd string, r SearchRequest) []field {
	return append(credentialFields(login, pwd),
		field{"direction", strconv.Itoa(r.Direction)},
		field{"callerLicense", r.CallerLicense},
		field{"ePartner", r.EPartner},
		field{"transactionID", strconv.Itoa(r.TransactionID)},
		field{"TransactionStatus", optionalInt(r.TransactionStatus)},
		field{"transactionFileName", ""},
		field{"transactionFromDate", r.FromDate},
		field{"transactionToDate", r.ToDate},
		field{"minRecordCount", optionalInt(r.MinRecordCount)},
		field{"maxRecordCount", optionalInt(r.MaxRecordCount)},
	)
}
