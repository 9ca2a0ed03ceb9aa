// Package classify assigns intercepted requests to one of the three cache
// stores by URL pattern.
package classify

import (
	"net/http"
	"strings"
)

// Class is the destination store of a request.
type Class string

const (
	// ClassVideo routes to the Video store (media streams).
	ClassVideo Class = "video"

	// ClassOffline routes to the Offline store (documents and storage objects).
	ClassOffline Class = "offline"

	// ClassPrimary routes to the Primary store (everything else).
	ClassPrimary Class = "primary"
)

// Destination is the declared destination of a request, as browsers send it
// in the Sec-Fetch-Dest header.
type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationEmpty    Destination = ""
)

// Request describes an intercepted request.
type Request struct {
	URL         string
	Method      string
	Destination Destination
}

// FromHTTP builds a Request from an *http.Request. The destination comes
// from the Sec-Fetch-Dest header; "empty" and a missing header both map to
// DestinationEmpty.
func FromHTTP(r *http.Request) Request {
	dest := Destination(strings.ToLower(r.Header.Get("Sec-Fetch-Dest")))
	if dest == "empty" {
		dest = DestinationEmpty
	}
	return Request{
		URL:         r.URL.String(),
		Method:      r.Method,
		Destination: dest,
	}
}

// Substring rules. The lists are matched against the full URL, case
// sensitively, and are part of the observable contract.
var (
	videoMarkers   = []string{".mp4", ".webm", "video"}
	offlineMarkers = []string{".pdf", ".doc", ".ppt", ".xlsx", "/storage/"}
)

// Classify returns the class of req. Video rules win over document rules.
func Classify(req Request) Class {
	if containsAny(req.URL, videoMarkers) {
		return ClassVideo
	}
	if containsAny(req.URL, offlineMarkers) {
		return ClassOffline
	}
	return ClassPrimary
}

// ClassifyURL is Classify for a bare URL.
func ClassifyURL(rawURL string) Class {
	return Classify(Request{URL: rawURL, Method: http.MethodGet})
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
