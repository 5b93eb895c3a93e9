package blackhole

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/pretty"
)

// recordList writes a snapshot of the request log either as the plain log
// text or as JSON.
type recordList struct {
	cached      []byte
	contentType string
}

func (l *recordList) Text(text string) *recordList {
	l.cached = []byte(text)
	l.contentType = "text/plain; charset=utf-8"
	return l
}

func (l *recordList) JSON(records []*Record, indent bool) (*recordList, error) {
	if records == nil {
		records = []*Record{}
	}

	b, err := json.Marshal(records)
	if err != nil {
		return l, err
	}

	if indent {
		b = pretty.Pretty(b)
	}

	l.cached = b
	l.contentType = "application/json"
	return l, nil
}

func (l *recordList) etag() string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(l.cached))
}

// WriteResponse writes the cached payload, or 304 if the client already has it.
func (l *recordList) WriteResponse(w http.ResponseWriter, r *http.Request) {
	etag := l.etag()

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")

	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", l.contentType)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(l.cached)
	}
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func wantsJSON(r *http.Request) bool {
	for _, accept := range r.Header.Values("Accept") {
		for _, part := range strings.Split(accept, ",") {
			mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
			if strings.EqualFold(strings.TrimSpace(mediaType), "application/json") {
				return true
			}
		}
	}
	return false
}

func newRecordList() *recordList {
	return &recordList{}
}
