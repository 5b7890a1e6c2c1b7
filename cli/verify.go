package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/georgepadayatti/docsign/config"
	"github.com/georgepadayatti/docsign/verify"
)

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	ConfigPath string
	JSON       bool
	Live       bool
}

// VerifyCommand implements the 'verify' command.
func VerifyCommand(args []string) {
	verifyFlags := flag.NewFlagSet("verify", flag.ExitOnError)

	var opts VerifyOptions

	verifyFlags.StringVar(&opts.ConfigPath, "config", "signer.yaml", "Path to the signer configuration file")
	verifyFlags.BoolVar(&opts.JSON, "json", false, "Print the validation report as JSON")
	verifyFlags.BoolVar(&opts.Live, "live", false, "Fall back to live revocation checks when no proof is embedded")

	verifyFlags.Usage = func() {
		fmt.Printf("Usage: %s verify [options] <document>\n\n", os.Args[0])
		fmt.Println("Verify the digital signature(s) of a document.")
		fmt.Println("")
		fmt.Println("Arguments:")
		fmt.Println("  document  Signed document to verify")
		fmt.Println("")
		fmt.Println("Options:")
		verifyFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s verify -config signer.yaml document.bin\n", os.Args[0])
		fmt.Printf("  %s verify -json -live document.bin\n", os.Args[0])
	}

	if err := verifyFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if len(verifyFlags.Args()) < 1 {
		verifyFlags.Usage()
		osExit(1)
	}

	report, err := verifyDocument(verifyFlags.Arg(0), &opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	if opts.JSON {
		printJSONReport(report)
	} else {
		printReport(report)
	}

	if !report.Valid {
		osExit(1)
	}
}

func verifyDocument(path string, opts *VerifyOptions) (*verify.Report, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	verifier := buildVerifier(cfg, opts.Live)
	return verifier.Verify(context.Background(), doc), nil
}

func printJSONReport(report *verify.Report) {
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	fmt.Println(string(out))
}

func printReport(report *verify.Report) {
	if len(report.Signatures) == 0 {
		fmt.Println("No signatures found")
		for _, issue := range report.Issues {
			fmt.Printf("  [%s] %s\n", issue.Code, issue.Message)
		}
		return
	}

	for i, sig := range report.Signatures {
		fmt.Printf("Signature %d:\n", i+1)
		fmt.Printf("  Signer:    %s\n", sig.Signer.Subject)
		fmt.Printf("  Issuer:    %s\n", sig.Signer.Issuer)
		fmt.Printf("  Serial:    %s\n", sig.Signer.Serial)
		fmt.Printf("  Time:      %s\n", sig.SigningTime)
		fmt.Printf("  Level:     %s\n", sig.Level)
		fmt.Printf("  Signature: %s\n", verdict(sig.SignatureValid))
		fmt.Printf("  Chain:     %s\n", verdict(sig.CertificateValid))
		if sig.TimestampPresent {
			fmt.Printf("  Timestamp: %s\n", verdict(sig.TimestampValid))
		} else {
			fmt.Printf("  Timestamp: absent\n")
		}
		if sig.Revoked {
			fmt.Printf("  Revoked:   yes\n")
		}
		for _, issue := range sig.Issues {
			fmt.Printf("  [%s] %s\n", issue.Code, issue.Message)
		}
		fmt.Printf("  Overall:   %s\n", verdict(sig.Valid))
	}

	fmt.Println("")
	if report.Valid {
		fmt.Println("Document is VALID")
	} else {
		fmt.Println("Document is NOT VALID")
	}
}

func verdict(ok bool) string {
	if ok {
		return "valid"
	}
	return "INVALID"
}
