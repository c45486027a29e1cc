package schemas

import (
	"encoding/json"
	"time"
)

// -- Gateway Results --

// ResultKind tags the shape of a gateway result payload.
type ResultKind string

const (
	ResultIdentity  ResultKind = "identity"
	ResultRegistry  ResultKind = "registry"
	ResultLicense   ResultKind = "license"
	ResultSanctions ResultKind = "sanctions"
	// ResultUnknown marks a response whose shape could not be decoded; only
	// Raw is populated.
	ResultUnknown ResultKind = "unknown"
)

// IdentityResult is the decoded payload of an identity source lookup.
type IdentityResult struct {
	Verified bool   `json:"verified"`
	Source   string `json:"source,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// RegistryResult is the decoded payload of an identifier-registry lookup.
type RegistryResult struct {
	Match       bool   `json:"match"`
	NPI         string `json:"npi,omitempty"`
	Name        string `json:"name,omitempty"`
	Credential  string `json:"credential,omitempty"`
	Specialty   string `json:"specialty,omitempty"`
	Status      string `json:"status,omitempty"`
	LastUpdated string `json:"last_updated,omitempty"`
}

// LicenseResult is the decoded payload of a state-board license lookup.
type LicenseResult struct {
	Found        bool     `json:"found"`
	Number       string   `json:"number,omitempty"`
	State        string   `json:"state,omitempty"`
	Holder       string   `json:"holder,omitempty"`
	Issued       string   `json:"issued,omitempty"`
	Expiration   string   `json:"expiration,omitempty"`
	Status       string   `json:"status,omitempty"`
	Disciplinary []string `json:"disciplinary,omitempty"`
}

// SanctionsResult is the decoded payload of an exclusion-list search.
type SanctionsResult struct {
	Excluded bool     `json:"excluded"`
	Matches  []string `json:"matches,omitempty"`
	ListDate string   `json:"list_date,omitempty"`
}

// GatewayResult is the tagged outcome of one gateway call. At most one typed
// payload matches Kind; Raw always carries the original response bytes so an
// undecodable shape stays inspectable downstream. Failed marks the sentinel
// error shape substituted when the call itself errored, in which case no
// payload and no Raw are present.
type GatewayResult struct {
	Kind       ResultKind       `json:"kind"`
	Identity   *IdentityResult  `json:"identity,omitempty"`
	Registry   *RegistryResult  `json:"registry,omitempty"`
	License    *LicenseResult   `json:"license,omitempty"`
	Sanctions  *SanctionsResult `json:"sanctions,omitempty"`
	Raw        json.RawMessage  `json:"raw,omitempty"`
	Failed     bool             `json:"failed,omitempty"`
	Error      string           `json:"error,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
}

// FailedResult builds the sentinel error-shaped result substituted for a
// gateway transport error.
func FailedResult(kind ResultKind, err error) *GatewayResult {
	msg := "gateway unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &GatewayResult{
		Kind:       kind,
		Failed:     true,
		Error:      msg,
		ReceivedAt: time.Now().UTC(),
	}
}

// -- Gateway Requests --

// SearchRequest is a sparse query against a registry-style source. Zero-value
// fields are omitted from the outbound request.
type SearchRequest struct {
	Kind        ResultKind `json:"kind"`
	FullName    string     `json:"full_name,omitempty"`
	NPI         string     `json:"npi,omitempty"`
	State       string     `json:"state,omitempty"`
	Specialty   string     `json:"specialty,omitempty"`
	DateOfBirth string     `json:"date_of_birth,omitempty"`
}

// LicenseQuery addresses one license on a state board source.
type LicenseQuery struct {
	Number string `json:"number"`
	State  string `json:"state"`
	Holder string `json:"holder,omitempty"`
}
