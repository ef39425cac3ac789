package soap

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
)

// ErrMissingResult is returned for a response without a result code.
var ErrMissingResult = errors.New("soap response carries no result code")

// CodeTransient is the DHPO result code for a temporary server condition.
const CodeTransient = -4

// ResultError is a negative DHPO result code.
type ResultError struct {
	Op      string
	Code    int
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Op, e.Code, e.Message)
}

func (e *ResultError) Unwrap() error { return apperrors.ErrNetwork }

// Transient reports whether the call may succeed when repeated.
func (e *ResultError) Transient() bool { return e.Code == CodeTransient }

// fields collects the text content of the first element with each of the
// wanted local names, ignoring namespaces.
func fields(body []byte, names ...string) (map[string]string, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make(map[string]string, len(names))
	dec := xml.NewDecoder(bytes.NewReader(body))
	var (
		current string
		depth   int
		text    strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding soap response: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if current != "" {
				depth++
				continue
			}
			if _, seen := out[t.Name.Local]; want[t.Name.Local] && !seen {
				current = t.Name.Local
				depth = 0
				text.Reset()
			}
		case xml.CharData:
			if current != "" {
				text.Write(t)
			}
		case xml.EndElement:
			if current == "" {
				continue
			}
			if depth > 0 {
				depth--
				continue
			}
			out[current] = text.String()
			current = ""
		}
	}
	return out, nil
}

// resultCode applies the DHPO result code policy: a missing code is a
// protocol error, a negative code a ResultError, zero or positive success.
func resultCode(op string, f map[string]string, resultElement string) (int, error) {
	raw, ok := f[resultElement]
	if !ok {
		return 0, fmt.Errorf("%s: %w: %w", op, ErrMissingResult, apperrors.ErrSystem)
	}
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: result code %q: %w: %w", op, raw, ErrMissingResult, apperrors.ErrSystem)
	}
	if code < 0 {
		return code, &ResultError{Op: op, Code: code, Message: strings.TrimSpace(f["errorMessage"])}
	}
	return code, nil
}

// FileEntry is one file listed by GetNewTransactions or SearchTransactions.
type FileEntry struct {
	FileID          string `xml:"FileID,attr"`
	FileName        string `xml:"FileName,attr"`
	SenderID        string `xml:"SenderID,attr"`
	ReceiverID      string `xml:"ReceiverID,attr"`
	TransactionDate string `xml:"TransactionDate,attr"`
	RecordCount     string `xml:"RecordCount,attr"`
	IsDownloaded    string `xml:"IsDownloaded,attr"`
}

// Downloaded reports the IsDownloaded flag; absent means not downloaded.
func (f FileEntry) Downloaded() bool {
	return strings.EqualFold(f.IsDownloaded, "true") || f.IsDownloaded == "1"
}

// ListResult is a parsed file listing.
type ListResult struct {
	Code    int
	Message string
	Files   []FileEntry
}

// parseList reads a listing response. The file list arrives as escaped XML
// inside xmlTransaction or foundTransactions.
func parseList(op string, body []byte) (ListResult, error) {
	f, err := fields(body, op+"Result", "errorMessage", "xmlTransaction", "foundTransactions")
	if err != nil {
		return ListResult{}, err
	}
	code, err := resultCode(op, f, op+"Result")
	if err != nil {
		return ListResult{}, err
	}
	res := ListResult{Code: code, Message: strings.TrimSpace(f["errorMessage"])}

	inner := f["xmlTransaction"]
	if strings.TrimSpace(inner) == "" {
		inner = f["foundTransactions"]
	}
	if !strings.Contains(inner, "<") {
		return res, nil
	}
	dec := xml.NewDecoder(strings.NewReader(inner))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ListResult{}, fmt.Errorf("%s: decoding file list: %w", op, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "File" {
			continue
		}
		var entry FileEntry
		if err := dec.DecodeElement(&entry, &se); err != nil {
			return ListResult{}, fmt.Errorf("%s: decoding file entry: %w", op, err)
		}
		if entry.FileID != "" {
			res.Files = append(res.Files, entry)
		}
	}
	return res, nil
}

// Download is a parsed DownloadTransactionFile response.
type Download struct {
	Code     int
	FileName string
	Content  []byte
	Message  string
}

func parseDownload(body []byte) (Download, error) {
	const op = OpDownloadTransactionFile
	f, err := fields(body, op+"Result", "fileName", "file", "errorMessage")
	if err != nil {
		return Download{}, err
	}
	code, err := resultCode(op, f, op+"Result")
	if err != nil {
		return Download{}, err
	}
	content, err := decodeMIME(f["file"])
	if err != nil {
		return Download{}, fmt.Errorf("%s: decoding file content: %w: %w", op, err, apperrors.ErrSystem)
	}
	return Download{
		Code:     code,
		FileName: strings.TrimSpace(f["fileName"]),
		Content:  content,
		Message:  strings.TrimSpace(f["errorMessage"]),
	}, nil
}

// decodeMIME decodes base64 that may be wrapped across lines.
func decodeMIME(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func parseAck(body []byte) (int, string, error) {
	const op = OpSetTransactionDownloaded
	f, err := fields(body, op+"Result", "errorMessage")
	if err != nil {
		return 0, "", err
	}
	code, err := resultCode(op, f, op+"Result")
	return code, strings.TrimSpace(f["errorMessage"]), err
}
