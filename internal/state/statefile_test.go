package state

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Checksum
// ---------------------------------------------------------------------------

func TestChecksum_KnownVectors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{
			name: "empty input",
			data: []byte{},
			want: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name: "hello world",
			data: []byte("hello world"),
			want: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum(tt.data); got != tt.want {
				t.Errorf("Checksum() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestChecksum_Deterministic(t *testing.T) {
	body := []byte(`{"version":4,"serial":7,"lineage":"abc"}`)
	first := Checksum(body)
	second := Checksum(body)
	if first != second {
		t.Errorf("same input produced different checksums: %s vs %s", first, second)
	}
	if other := Checksum([]byte(`{"version":4,"serial":8,"lineage":"abc"}`)); other == first {
		t.Error("different inputs produced the same checksum")
	}
}

// ---------------------------------------------------------------------------
// ParseMetadata — happy paths
// ---------------------------------------------------------------------------

func TestParseMetadata_MinimalState(t *testing.T) {
	md, err := ParseMetadata([]byte(`{"version":4,"serial":1,"lineage":"x"}`))
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	if md.Version != "4" {
		t.Errorf("Version = %q, want %q", md.Version, "4")
	}
	if md.Serial != 1 {
		t.Errorf("Serial = %d, want 1", md.Serial)
	}
	if md.Lineage != "x" {
		t.Errorf("Lineage = %q, want %q", md.Lineage, "x")
	}
	if md.TerraformVersion != "unknown" {
		t.Errorf("TerraformVersion = %q, want %q", md.TerraformVersion, "unknown")
	}
}

func TestParseMetadata_Defaults(t *testing.T) {
	md, err := ParseMetadata([]byte(`{}`))
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	if md.Version != "unknown" {
		t.Errorf("Version = %q, want %q", md.Version, "unknown")
	}
	if md.TerraformVersion != "unknown" {
		t.Errorf("TerraformVersion = %q, want %q", md.TerraformVersion, "unknown")
	}
	if md.Serial != 0 {
		t.Errorf("Serial = %d, want 0", md.Serial)
	}
	if md.Lineage != "" {
		t.Errorf("Lineage = %q, want empty", md.Lineage)
	}
	if len(md.Modules) != 0 || len(md.Resources) != 0 || len(md.Outputs) != 0 {
		t.Error("expected empty collections for an empty state object")
	}
}

func TestParseMetadata_FullV4State(t *testing.T) {
	body := `{
		"version": 4,
		"terraform_version": "1.9.5",
		"serial": 42,
		"lineage": "3f8a6e2c-1b4d-4e2a-9c7c-2e8f1a5b6d3e",
		"resources": [
			{
				"mode": "managed",
				"type": "aws_instance",
				"name": "web",
				"provider": "provider[\"registry.terraform.io/hashicorp/aws\"]",
				"instances": [{"attributes": {}}, {"attributes": {}}]
			},
			{
				"module": "module.network",
				"mode": "data",
				"type": "aws_vpc",
				"name": "main",
				"provider": "provider[\"registry.terraform.io/hashicorp/aws\"]",
				"instances": [{"attributes": {}}]
			}
		],
		"outputs": {
			"instance_ip": {"value": "10.0.0.5", "type": "string"},
			"db_password": {"value": "hunter2", "type": "string", "sensitive": true},
			"subnet_ids": {"value": ["a", "b"], "type": ["list", "string"]}
		}
	}`

	md, err := ParseMetadata([]byte(body))
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}

	if md.Version != "4" || md.TerraformVersion != "1.9.5" || md.Serial != 42 {
		t.Errorf("header fields = (%q, %q, %d)", md.Version, md.TerraformVersion, md.Serial)
	}

	if len(md.Resources) != 2 {
		t.Fatalf("got %d resources, want 2", len(md.Resources))
	}
	web := md.Resources[0]
	if web.Mode != "managed" || web.Type != "aws_instance" || web.Name != "web" {
		t.Errorf("resource[0] = %+v", web)
	}
	if web.InstanceCount != 2 {
		t.Errorf("resource[0].InstanceCount = %d, want 2", web.InstanceCount)
	}
	if md.Resources[1].Module != "module.network" {
		t.Errorf("resource[1].Module = %q", md.Resources[1].Module)
	}

	if len(md.Outputs) != 3 {
		t.Fatalf("got %d outputs, want 3", len(md.Outputs))
	}
	if !md.Outputs["db_password"].Sensitive {
		t.Error("db_password should be marked sensitive")
	}
	if md.Outputs["instance_ip"].Sensitive {
		t.Error("instance_ip should not be marked sensitive")
	}
	if got := md.Outputs["subnet_ids"].Type; got != `["list","string"]` {
		t.Errorf("subnet_ids type = %q", got)
	}
}

func TestParseMetadata_V3Modules(t *testing.T) {
	body := `{
		"version": "3",
		"terraform_version": "0.11.14",
		"serial": 9,
		"lineage": "legacy",
		"modules": [
			{"path": ["root"], "resources": {"aws_instance.a": {}, "aws_instance.b": {}}},
			{"path": ["root", "vpc"], "resources": {"aws_vpc.main": {}}}
		]
	}`

	md, err := ParseMetadata([]byte(body))
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	if md.Version != "3" {
		t.Errorf("Version = %q, want %q (string form preserved)", md.Version, "3")
	}
	if len(md.Modules) != 2 {
		t.Fatalf("got %d modules, want 2", len(md.Modules))
	}
	if md.Modules[0].Address != "root" || md.Modules[0].ResourceCount != 2 {
		t.Errorf("modules[0] = %+v", md.Modules[0])
	}
	if md.Modules[1].Address != "root.vpc" || md.Modules[1].ResourceCount != 1 {
		t.Errorf("modules[1] = %+v", md.Modules[1])
	}
}

// ---------------------------------------------------------------------------
// ParseMetadata — rejection paths
// ---------------------------------------------------------------------------

func TestParseMetadata_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"truncated object", `{"version": 4,`},
		{"bare string", `"not a state file"`},
		{"bare number", `4`},
		{"array body", `[1, 2, 3]`},
		{"null body", `null`},
		{"binary garbage", "\x00\x01\x02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMetadata([]byte(tt.body))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error type = %T, want *ValidationError", err)
			}
		})
	}
}

func TestParseMetadata_ErrorMessageNamesJSON(t *testing.T) {
	_, err := ParseMetadata([]byte("terraform state v0"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "JSON") {
		t.Errorf("error %q should mention JSON", err)
	}
}
