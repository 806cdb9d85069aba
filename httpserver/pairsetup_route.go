package httpserver

import (
	"github.com/cvsouth/hap-go/pairsetup"
	"github.com/cvsouth/hap-go/tlv8"
)

const pairingTLVContentType = "application/pairing+tlv8"

// PairSetupHandler adapts a pairsetup.Handler to HandlerFunc: it enforces
// the Content-Type and well-formed-TLV requirements that stay at the HTTP
// surface (malformed TLV and a wrong content type answer with a plain
// HTTP 400, not an in-band TLV error), decodes the body, and otherwise
// delegates entirely to pairsetup.Handler.ServeTLV.
func PairSetupHandler(h *pairsetup.Handler) HandlerFunc {
	return func(req *Request) Response {
		if req.Header("Content-Type") != pairingTLVContentType {
			return textResponse(400, "Expected a TLV encoded request")
		}

		items, err := tlv8.Decode(req.Body)
		if err != nil {
			return textResponse(400, "Malformed TLV8 body")
		}

		resp, unrecognizedState := h.ServeTLV(req.Ctx, items, req.Session)
		if unrecognizedState {
			return textResponse(422, "Unrecognized Pair-Setup state")
		}

		return Response{
			Status:      200,
			ContentType: pairingTLVContentType,
			Body:        tlv8.Encode(resp),
		}
	}
}

// HealthHandler answers GET / with a small JSON liveness body.
func HealthHandler(req *Request) Response {
	return jsonResponse(200, []byte(`{"foo":"bar"}`))
}
