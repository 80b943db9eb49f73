// genkey generates a vault secret for sealing credential material.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Writes:
//
//	.env  (mode 0600) containing FURIWAKE_ENCRYPTION_KEY
//
// furiwake.New loads .env automatically. The router falls back to an
// ephemeral key when FURIWAKE_ENCRYPTION_KEY is unset, but material sealed
// under an ephemeral key is unreadable after a restart, so every credential
// would have to be registered again. A persistent key prevents that.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

func main() {
	const path = ".env"

	// Refuse to overwrite an existing file: losing the key makes every
	// sealed credential unreadable.
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "error: %s already exists — move it aside first if you want to rotate the key\n", path)
		os.Exit(1)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret: %v\n", err)
		os.Exit(1)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: create %s: %v\n", path, err)
		os.Exit(1)
	}
	if _, err := fmt.Fprintf(f, "FURIWAKE_ENCRYPTION_KEY=%s\n", base64.StdEncoding.EncodeToString(secret)); err != nil {
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", path, err)
		os.Exit(1)
	}
	f.Close()

	fmt.Printf("wrote %s\n", path)
	fmt.Println("The key is ready. furiwake.New picks it up automatically.")
}
