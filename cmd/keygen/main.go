// Package main is a development utility for generating state encryption
// material: a 32-byte AES-256 master key and a PBKDF2 salt, both hex-encoded
// the way the encryption config section expects them. It prints ready-to-paste
// config YAML and the equivalent environment variable so developers can enable
// encryption locally without hand-rolling key material. Generate production
// keys on the target host and inject them through your secret manager, not by
// committing this tool's output.
package main

import (
	"encoding/hex"
	"fmt"
	"log"

	"github.com/tfstate-backend/tfstate-backend/internal/crypto"
)

func main() {
	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}
	salt, err := crypto.GenerateSalt(16)
	if err != nil {
		log.Fatal(err)
	}

	masterKey := hex.EncodeToString(key)
	saltHex := hex.EncodeToString(salt)

	fmt.Println("Generated state encryption material:")
	fmt.Println()
	fmt.Printf("  Master key: %s\n", masterKey)
	fmt.Printf("  Salt:       %s\n", saltHex)
	fmt.Println()
	fmt.Println("Config snippet (master key flow):")
	fmt.Println()
	fmt.Println("  encryption:")
	fmt.Println("    enabled: true")
	fmt.Printf("    master_key: %s\n", masterKey)
	fmt.Println()
	fmt.Println("Or via environment:")
	fmt.Println()
	fmt.Printf("  export ENCRYPTION_MASTER_KEY=%s\n", masterKey)
	fmt.Println()
	fmt.Println("For the passphrase flow, keep the salt alongside your passphrase:")
	fmt.Println()
	fmt.Println("  encryption:")
	fmt.Println("    enabled: true")
	fmt.Println("    passphrase: <your passphrase>")
	fmt.Printf("    salt: %s\n", saltHex)
}
