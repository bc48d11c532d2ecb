package intercept

import (
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/veneer/internal/behavior"
)

// FormatResponse renders the fabricated wire response:
//
//	HTTP/<version> <status> <reason>\r\nContent-Type: <type>\r\n\r\n<body>
//
// The reason phrase is "ERROR" for codes without a standard text.
func FormatResponse(version string, resp behavior.ResponseVariant) []byte {
	if version == "" {
		version = DefaultHTTPVersion
	}
	status := resp.StatusCode
	if status == 0 {
		status = behavior.DefaultStatusCode
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = behavior.DefaultContentType
	}
	reason := http.StatusText(status)
	if reason == "" {
		reason = "ERROR"
	}
	var b strings.Builder
	b.Grow(len(version) + len(reason) + len(contentType) + len(resp.Body) + 40)
	b.WriteString("HTTP/")
	b.WriteString(version)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(reason)
	b.WriteString("\r\nContent-Type: ")
	b.WriteString(contentType)
	b.WriteString("\r\n\r\n")
	b.WriteString(resp.Body)
	return []byte(b.String())
}
