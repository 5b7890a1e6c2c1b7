package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/georgepadayatti/docsign/config"
	"github.com/georgepadayatti/docsign/identity"
	"github.com/georgepadayatti/docsign/revocation"
	"github.com/georgepadayatti/docsign/sign/cms"
	"github.com/georgepadayatti/docsign/sign/engine"
	"github.com/georgepadayatti/docsign/sign/timestamps"
	"github.com/georgepadayatti/docsign/verify"
)

// SignOptions contains options for the sign command.
type SignOptions struct {
	ConfigPath    string
	Level         string
	DocumentID    string
	DocumentType  string
	IssuingOffice string
	SecurityLevel int
	Reserve       int
}

// SignCommand implements the 'sign' command.
func SignCommand(args []string) {
	signFlags := flag.NewFlagSet("sign", flag.ExitOnError)

	var opts SignOptions

	signFlags.StringVar(&opts.ConfigPath, "config", "signer.yaml", "Path to the signer configuration file")
	signFlags.StringVar(&opts.Level, "level", "BASIC", "Target level: BASIC, TIMESTAMP, LONG_TERM, LONG_TERM_ARCHIVE")
	signFlags.StringVar(&opts.DocumentID, "doc-id", "", "Document identifier bound into the signature")
	signFlags.StringVar(&opts.DocumentType, "doc-type", "", "Document type bound into the signature")
	signFlags.StringVar(&opts.IssuingOffice, "office", "", "Issuing office bound into the signature")
	signFlags.IntVar(&opts.SecurityLevel, "security", 0, "Security level bound into the signature")
	signFlags.IntVar(&opts.Reserve, "reserve", 0, "Placeholder size in bytes (0 = estimate from chain and level)")

	signFlags.Usage = func() {
		fmt.Printf("Usage: %s sign [options] <input> <output>\n\n", os.Args[0])
		fmt.Println("Sign a document with a digital signature.")
		fmt.Println("")
		fmt.Println("Arguments:")
		fmt.Println("  input   Input document to sign")
		fmt.Println("  output  Output file for the signed document")
		fmt.Println("")
		fmt.Println("Options:")
		signFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s sign -config signer.yaml input.bin output.bin\n", os.Args[0])
		fmt.Printf("  %s sign -config signer.yaml -level LONG_TERM -doc-id DL-2024-0001 input.bin output.bin\n", os.Args[0])
	}

	if err := signFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if len(signFlags.Args()) < 2 {
		signFlags.Usage()
		osExit(1)
	}

	inputPath := signFlags.Arg(0)
	outputPath := signFlags.Arg(1)

	if err := signDocument(inputPath, outputPath, &opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// signDocument performs the actual signing.
func signDocument(inputPath, outputPath string, opts *SignOptions) error {
	level, err := engine.ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	ident, err := identity.Load(cfg)
	if err != nil {
		return err
	}
	if err := ident.Validate(cfg.Policy, cfg.NormalizedAnchors(), time.Now()); err != nil {
		return err
	}
	store := identity.NewStore(ident)

	eng := engine.New(store, buildOracle(cfg), buildTSA(cfg), cfg)

	doc, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	result, err := eng.SignDocument(context.Background(), doc, engine.Request{
		Metadata: cms.DocumentMetadata{
			DocumentID:    opts.DocumentID,
			DocumentType:  opts.DocumentType,
			IssuingOffice: opts.IssuingOffice,
			SecurityLevel: opts.SecurityLevel,
		},
		Level:         level,
		BytesReserved: opts.Reserve,
	})
	if err != nil {
		return err
	}

	if err := os.WriteFile(outputPath, result.Document, 0644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	fmt.Printf("Successfully signed document: %s\n", outputPath)
	fmt.Printf("Level: %s\n", result.Level)
	for _, w := range result.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
	return nil
}

func buildOracle(cfg *config.Config) *revocation.Oracle {
	oracle := revocation.NewOracle(cfg.Policy.ProofCacheCeiling, cfg.Policy.NetworkTimeout)
	oracle.OCSPURL = cfg.OCSPURL
	oracle.CRLURL = cfg.CRLURL
	return oracle
}

func buildTSA(cfg *config.Config) *timestamps.Client {
	if cfg.TSAURL == "" {
		return nil
	}
	return timestamps.NewClient(cfg.TSAURL, cfg.Policy.NetworkTimeout)
}

// buildVerifier wires a verifier from config; live revocation fallback is
// optional.
func buildVerifier(cfg *config.Config, live bool) *verify.Verifier {
	var oracle *revocation.Oracle
	if live {
		oracle = buildOracle(cfg)
	}
	return verify.New(cfg, oracle)
}
