package stream

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// vendorError returns the "error" member of payload when it carries an
// actual error. OpenAI-compatible vendors send "error": null on normal deltas.
func vendorError(payload gjson.Result) (gjson.Result, bool) {
	errObj := payload.Get("error")
	switch errObj.Type {
	case gjson.Null, gjson.False:
		return errObj, false
	case gjson.String:
		return errObj, errObj.Str != ""
	}
	return errObj, true
}

// vendorErrorMessage builds a short message from a vendor error object
// without echoing the vendor's free-form text.
func vendorErrorMessage(provider string, errObj gjson.Result) string {
	kind := errObj.Get("type").String()
	if kind == "" {
		kind = errObj.Get("status").String()
	}
	if kind == "" {
		kind = errObj.Get("code").String()
	}

	switch kind {
	case "authentication_error", "invalid_api_key", "UNAUTHENTICATED", "PERMISSION_DENIED", "permission_error":
		return fmt.Sprintf("%s: authentication failed", provider)
	case "rate_limit_error", "rate_limit_exceeded", "RESOURCE_EXHAUSTED":
		return fmt.Sprintf("%s: rate limit exceeded", provider)
	case "insufficient_quota":
		return fmt.Sprintf("%s: quota exceeded", provider)
	case "overloaded_error", "server_error", "api_error", "UNAVAILABLE", "INTERNAL":
		return fmt.Sprintf("%s: service unavailable", provider)
	default:
		return fmt.Sprintf("%s: stream error", provider)
	}
}
