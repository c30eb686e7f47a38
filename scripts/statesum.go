// Package main is a utility for inspecting a local Terraform state file the
// way the backend sees it. Given a path it prints the SHA-256 checksum the
// store would record, plus the parsed structural metadata (format version,
// terraform version, serial, lineage, resource count). Running it against a
// file that the API rejected reproduces the validation locally without a
// running server.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/tfstate-backend/tfstate-backend/internal/state"
)

func main() {
	path := "terraform.tfstate"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	data, err := os.ReadFile(path) // #nosec G703 -- path is a local developer-supplied argument
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}

	fmt.Printf("File:              %s (%d bytes)\n", path, len(data))
	fmt.Printf("Checksum (sha256): %s\n", state.Checksum(data))

	meta, err := state.ParseMetadata(data)
	if err != nil {
		log.Fatalf("not a valid state file: %v", err)
	}

	fmt.Printf("Format version:    %s\n", meta.Version)
	fmt.Printf("Terraform version: %s\n", meta.TerraformVersion)
	fmt.Printf("Serial:            %d\n", meta.Serial)
	fmt.Printf("Lineage:           %s\n", meta.Lineage)
	fmt.Printf("Resources:         %d\n", len(meta.Resources))
	fmt.Printf("Outputs:           %d\n", len(meta.Outputs))
}
