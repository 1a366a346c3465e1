package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dbrown/permissible-ai/identity"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "server-addr",
		Value: "http://127.0.0.1:8080",
		Usage: "TEE server address to request an attestation from",
	},
	&cli.Int64Flag{
		Name:  "timeout-seconds",
		Value: 10,
		Usage: "request timeout in seconds",
	},
}

func main() {
	app := &cli.App{
		Name:  "attest-verify",
		Usage: "Fetch and verify a signed attestation document",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			return verifyAttestation(
				cCtx.String("server-addr"),
				time.Duration(cCtx.Int64("timeout-seconds"))*time.Second,
			)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type attestationResponse struct {
	Attestation        json.RawMessage `json:"attestation"`
	Signature          string          `json:"signature"`
	SignatureAlgorithm string          `json:"signature_algorithm"`
}

func verifyAttestation(serverAddr string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(serverAddr + "/attestation")
	if err != nil {
		return fmt.Errorf("attestation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("attestation request failed: status %d: %s", resp.StatusCode, body)
	}

	var parsed attestationResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}

	signature, err := base64.StdEncoding.DecodeString(parsed.Signature)
	if err != nil {
		return fmt.Errorf("could not decode signature: %w", err)
	}

	// The signature covers the exact document bytes as served; verification
	// needs the compact form, not a re-marshaled one.
	document := new(bytes.Buffer)
	if err := json.Compact(document, parsed.Attestation); err != nil {
		return fmt.Errorf("could not compact document: %w", err)
	}

	if err := identity.VerifyAttestation(document.Bytes(), signature); err != nil {
		return fmt.Errorf("attestation verification failed: %w", err)
	}

	pretty := new(bytes.Buffer)
	if err := json.Indent(pretty, document.Bytes(), "", "  "); err != nil {
		return fmt.Errorf("could not format document: %w", err)
	}

	fmt.Println(pretty.String())
	fmt.Printf("attestation validation successful (%s)\n", parsed.SignatureAlgorithm)

	return nil
}
