package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/settld-labs/settld/pkg/keys"
)

// runKeygenCmd implements `settld keygen`: generate an Ed25519 signing key
// and print its derived key id. With --out the private key is written to a
// file instead of stdout.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var outFile string
	cmd.StringVar(&outFile, "out", "", "Write the private key to this file (0600)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	signer, err := keys.NewSigner()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: key generation failed: %v\n", err)
		return 2
	}

	pub := hex.EncodeToString(signer.PublicKey())
	priv := hex.EncodeToString(signer.PrivateKey())

	if outFile != "" {
		if err := os.WriteFile(outFile, []byte(priv+"\n"), 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write key file: %v\n", err)
			return 2
		}
		out, _ := json.MarshalIndent(map[string]string{
			"keyId":     signer.KeyID,
			"publicKey": pub,
			"keyFile":   outFile,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
		return 0
	}

	out, _ := json.MarshalIndent(map[string]string{
		"keyId":      signer.KeyID,
		"publicKey":  pub,
		"privateKey": priv,
	}, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}
