package monsterclient

import (
	"net/http"

	"momon/internal/deviceid"
	"momon/internal/util"
)

// deviceTransport decorates every outbound request with the device id and
// the caller's request id. Responses pass through untouched.
type deviceTransport struct {
	base http.RoundTripper
	ids  deviceid.Provider
}

func (t *deviceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var deviceID string
	if t.ids != nil {
		deviceID = t.ids.DeviceID(ctx)
	}
	requestID := util.RequestIDFromContext(ctx)
	if deviceID == "" && requestID == "" {
		return t.base.RoundTrip(req)
	}
	out := req.Clone(ctx)
	if deviceID != "" {
		out.Header.Set(DeviceIDHeader, deviceID)
	}
	if requestID != "" {
		out.Header.Set(util.RequestIDHeader, requestID)
	}
	return t.base.RoundTrip(out)
}
