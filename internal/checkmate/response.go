package checkmate

import (
	"encoding/json"
	"fmt"
)

// BlockResponse is a Checkmate answer with reasons to block a URL.
type BlockResponse struct {
	// ReasonCodes is never empty.
	ReasonCodes []string
	// PresentationURL is where a blocked user is sent for an explanation.
	PresentationURL string
}

// payload mirrors the service's JSON:API style body.
type payload struct {
	Data  []map[string]json.RawMessage `json:"data"`
	Links *struct {
		HTML *string `json:"html"`
	} `json:"links"`
}

// ParseBlockResponse validates and decodes a 2xx response body. A body that
// does not name at least one reason is malformed, not a clear result.
func ParseBlockResponse(body []byte) (*BlockResponse, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if p.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedResponse)
	}
	if len(p.Data) == 0 {
		return nil, fmt.Errorf("%w: data has no reasons", ErrMalformedResponse)
	}

	codes := make([]string, 0, len(p.Data))
	for i, item := range p.Data {
		if item == nil {
			return nil, fmt.Errorf("%w: data[%d] is not an object", ErrMalformedResponse, i)
		}
		raw, ok := item["id"]
		if !ok {
			return nil, fmt.Errorf("%w: data[%d] has no id", ErrMalformedResponse, i)
		}
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("%w: data[%d].id is not a string", ErrMalformedResponse, i)
		}
		codes = append(codes, id)
	}

	if p.Links == nil || p.Links.HTML == nil || *p.Links.HTML == "" {
		return nil, fmt.Errorf("%w: missing links.html", ErrMalformedResponse)
	}

	return &BlockResponse{ReasonCodes: codes, PresentationURL: *p.Links.HTML}, nil
}
