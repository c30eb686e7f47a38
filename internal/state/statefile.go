// statefile.go implements the pure codec over Terraform state file bytes:
// content checksums and structural metadata extraction. Both functions are
// side-effect free and safe for concurrent use. Parsing is tolerant of
// missing keys (older or minimal state files) but rejects anything that is
// not a JSON object outright, so a corrupt body can never be stored as the
// current state.
package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Checksum returns the SHA-256 of data as lowercase hex. It is computed over
// the exact bytes the caller supplied; when encryption at rest is enabled the
// checksum still refers to the plaintext.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// rawStateFile matches the superset of v3 and v4 Terraform state layouts we
// care about. Unknown keys are ignored.
type rawStateFile struct {
	Version          json.RawMessage      `json:"version"`
	TerraformVersion string               `json:"terraform_version"`
	Serial           int64                `json:"serial"`
	Lineage          string               `json:"lineage"`
	Modules          []rawModule          `json:"modules"`
	Resources        []rawResource        `json:"resources"`
	Outputs          map[string]rawOutput `json:"outputs"`
}

type rawModule struct {
	Path      []string                   `json:"path"`
	Resources map[string]json.RawMessage `json:"resources"`
}

type rawResource struct {
	Module    string            `json:"module"`
	Mode      string            `json:"mode"`
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Provider  string            `json:"provider"`
	Instances []json.RawMessage `json:"instances"`
}

type rawOutput struct {
	Sensitive bool            `json:"sensitive"`
	Type      json.RawMessage `json:"type"`
}

// ParseMetadata extracts the structural summary from a state file body.
// Missing keys default (version/terraform_version "unknown", serial 0,
// lineage "", empty collections); malformed JSON or a non-object body
// returns a *ValidationError.
func ParseMetadata(data []byte) (*Metadata, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, &ValidationError{Reason: "state file body is null"}
	}

	var raw rawStateFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Reason: "state file is not valid JSON", Err: err}
	}

	md := &Metadata{
		Version:          normalizeVersion(raw.Version),
		TerraformVersion: raw.TerraformVersion,
		Serial:           raw.Serial,
		Lineage:          raw.Lineage,
	}
	if md.TerraformVersion == "" {
		md.TerraformVersion = "unknown"
	}

	for _, m := range raw.Modules {
		address := strings.Join(m.Path, ".")
		if address == "" {
			address = "root"
		}
		md.Modules = append(md.Modules, ModuleSummary{
			Address:       address,
			ResourceCount: len(m.Resources),
		})
	}

	for _, r := range raw.Resources {
		md.Resources = append(md.Resources, ResourceSummary{
			Mode:          r.Mode,
			Type:          r.Type,
			Name:          r.Name,
			Provider:      r.Provider,
			Module:        r.Module,
			InstanceCount: len(r.Instances),
		})
	}

	if len(raw.Outputs) > 0 {
		md.Outputs = make(map[string]OutputSummary, len(raw.Outputs))
		for name, out := range raw.Outputs {
			md.Outputs[name] = OutputSummary{
				Sensitive: out.Sensitive,
				Type:      normalizeOutputType(out.Type),
			}
		}
	}

	return md, nil
}

// normalizeVersion renders the state format version as a string. Terraform
// writes it as a JSON number; very old tooling wrote strings.
func normalizeVersion(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "unknown"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return "unknown"
}

// normalizeOutputType renders an output's type declaration as a plain string.
// Simple types are JSON strings ("string", "number"); composite types are
// arrays and are kept in their compact JSON form.
func normalizeOutputType(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return ""
	}
	return buf.String()
}
