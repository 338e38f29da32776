package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/settld-labs/settld/pkg/artifact"
)

// runVerifyCmd implements `settld verify`.
//
// Verifies a settlement artifact fully offline: schema version window,
// content hash, and the settlement balance identity where it applies.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		jsonOutput bool
	)
	cmd.StringVar(&file, "file", "", "Path to artifact JSON (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	data, err := os.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read artifact: %v\n", err)
		return 2
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: artifact is not a JSON object: %v\n", err)
		return 2
	}
	artifactType, _ := generic["artifactType"].(string)
	schemaVersion, _ := generic["schemaVersion"].(string)

	type check struct {
		Name   string          `json:"name"`
		Result artifact.Result `json:"result"`
	}
	checks := []check{
		{Name: "schemaVersion", Result: artifact.VerifyVersion(artifactType, schemaVersion)},
		{Name: "artifactHash", Result: artifact.VerifyHash(generic)},
	}

	if artifactType == artifact.TypeSettlementStatement {
		var st artifact.SettlementStatement
		if err := json.Unmarshal(data, &st); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: statement fields unreadable: %v\n", err)
			return 2
		}
		checks = append(checks, check{Name: "balances", Result: artifact.VerifySettlementBalances(st)})
	}

	passed := true
	for _, c := range checks {
		if !c.Result.OK {
			passed = false
		}
	}

	if jsonOutput {
		report := struct {
			File         string  `json:"file"`
			ArtifactType string  `json:"artifactType"`
			Verified     bool    `json:"verified"`
			Checks       []check `json:"checks"`
		}{file, artifactType, passed, checks}
		out, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if passed {
		_, _ = fmt.Fprintf(stdout, "artifact verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "File: %s\nType: %s\n", file, artifactType)
	} else {
		_, _ = fmt.Fprintf(stdout, "artifact verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "File: %s\nType: %s\n", file, artifactType)
		for _, c := range checks {
			if !c.Result.OK {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Result.Err)
				if c.Result.Expected != "" {
					_, _ = fmt.Fprintf(stdout, "      expected %s, got %s\n", c.Result.Expected, c.Result.Actual)
				}
			}
		}
	}

	if !passed {
		return 1
	}
	return 0
}
