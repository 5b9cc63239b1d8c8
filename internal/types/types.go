package types

// SignRequest is the body of POST /sign. Only URI is required; the identity
// fields are accepted for client compatibility and are not passed to the
// signing function.
type SignRequest struct {
	URI        string `json:"uri"`
	Data       any    `json:"data,omitempty"`
	A1         string `json:"a1,omitempty"`
	WebSession string `json:"web_session,omitempty"`
	WebID      string `json:"web_id,omitempty"`
}

// SignResult carries the two headers produced by the signing function,
// always with lower-case keys on the wire.
type SignResult struct {
	XS string `json:"x-s"`
	XT string `json:"x-t"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
	Success   bool   `json:"success"`
	Hint      string `json:"hint,omitempty"`
}

type HealthResponse struct {
	Status       string  `json:"status"`
	BrowserReady bool    `json:"browser_ready"`
	A1           string  `json:"a1"`
	Timestamp    float64 `json:"timestamp"`
}

type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

type IndexResponse struct {
	Service     string              `json:"service"`
	Description string              `json:"description"`
	Status      string              `json:"status"`
	Version     string              `json:"version"`
	Endpoints   map[string]Endpoint `json:"endpoints"`
}

type NotFoundResponse struct {
	Error              string   `json:"error"`
	AvailableEndpoints []string `json:"available_endpoints"`
}
