package crawler

import (
	"fmt"
	"net/http"
)

// ClassifyHTTPStatus maps an HTTP response code onto a protocol outcome.
func ClassifyHTTPStatus(code int) ProtocolStatus {
	switch {
	case code >= 200 && code < 300:
		return ProtocolStatus{Code: ProtocolSuccess}
	case code == http.StatusNotModified:
		return ProtocolStatus{Code: ProtocolNotModified}
	case code == http.StatusNotFound, code == http.StatusGone:
		return ProtocolStatus{Code: ProtocolGone, Message: http.StatusText(code)}
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return ProtocolStatus{Code: ProtocolTimeout, Message: http.StatusText(code)}
	default:
		return ProtocolStatus{Code: ProtocolException, Message: fmt.Sprintf("http status %d", code)}
	}
}
