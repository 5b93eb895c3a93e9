package blackhole

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
)

const TimeLayout = "2006-01-02 15:04:05"

var headerDumper = spew.ConfigState{
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	DisableMethods:          true,
}

// Record is a single captured request. It must not be modified once created.
type Record struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Method  string    `json:"method"`
	Path    string    `json:"path"`
	Headers string    `json:"headers"`
	Body    string    `json:"body"`
}

var _ fmt.Stringer = (*Record)(nil)

// String returns the line written to the request log, including the
// trailing newline.
func (r *Record) String() string {
	var sb strings.Builder

	sb.WriteString("Time: ")
	sb.WriteString(r.Time.Format(TimeLayout))
	sb.WriteString("\tMethod: ")
	sb.WriteString(r.Method)
	sb.WriteString("\tPath: ")
	sb.WriteString(r.Path)
	sb.WriteString("\tHeaders: ")
	sb.WriteString(r.Headers)
	sb.WriteString("\tBody: ")
	sb.WriteString(r.Body)
	sb.WriteString("\n")

	return sb.String()
}

// FormatHeaders renders the header collection the way it appears in the log.
// The Host header is included since net/http moves it out of r.Header.
func FormatHeaders(host string, header http.Header) string {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if host != "" {
		h.Set("Host", host)
	}

	return headerDumper.Sprintf("%v", map[string][]string(h))
}

func NewRecord(r *http.Request, body []byte, now time.Time) *Record {
	return &Record{
		ID:      uuid.NewString(),
		Time:    now.Local().Truncate(time.Second),
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: FormatHeaders(r.Host, r.Header),
		Body:    strings.ToValidUTF8(string(body), "�"),
	}
}

func joinRecords(records []*Record) string {
	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(rec.String())
	}
	return sb.String()
}
