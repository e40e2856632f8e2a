package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"agrisubsidy/internal/passphrase"
	"agrisubsidy/services/subsidyd/actor"
	"agrisubsidy/services/subsidyd/auth"
	"agrisubsidy/services/subsidyd/config"
	"agrisubsidy/services/subsidyd/digest"
	"agrisubsidy/services/subsidyd/ledger"
	"agrisubsidy/services/subsidyd/recon"
	"agrisubsidy/services/subsidyd/store"
	"agrisubsidy/services/subsidyd/units"
)

const (
	keystoreCommand = "keystore"
	digestCommand   = "digest"
	auditCommand    = "audit"
	tokenCommand    = "token"
	defaultPassEnv  = "SUBSIDYD_KEYSTORE_PASSPHRASE"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case keystoreCommand:
		err = runKeystore(os.Args[2:], os.Stdout)
	case digestCommand:
		err = runDigest(os.Args[2:], os.Stdout)
	case auditCommand:
		err = runAudit(os.Args[2:], os.Stdout)
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: subsidyctl <command> [flags]")
	fmt.Fprintln(w, "  keystore import --dir DIR --key-env VAR   encrypt a hex signer key into a keystore")
	fmt.Fprintln(w, "  digest --amount ETH --program ID --onchain-program N --submitted-at UNIX [--remarks TEXT] [--expect HASH]")
	fmt.Fprintln(w, "  audit --config PATH                      run the claim audit once")
	fmt.Fprintln(w, "  token --config PATH --id ID --role ROLE  mint a bearer token")
}

func runKeystore(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "import" {
		return errors.New("keystore: expected the import subcommand")
	}
	fs := flag.NewFlagSet("keystore import", flag.ContinueOnError)
	dir := fs.String("dir", "keystore", "keystore directory")
	keyEnv := fs.String("key-env", "SUBSIDYD_SIGNER_KEY", "environment variable holding the hex private key")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	key := strings.TrimSpace(os.Getenv(*keyEnv))
	if key == "" {
		return fmt.Errorf("environment variable %s is not set", *keyEnv)
	}
	pass, err := passphrase.NewSource(*passEnv, "signer keystore").Get()
	if err != nil {
		return err
	}
	addr, err := ledger.ImportKey(*dir, key, pass)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "imported signer %s into %s\n", addr, *dir)
	return nil
}

type digestOutput struct {
	Canonical string `json:"canonical"`
	Digest    string `json:"digest"`
	Matches   *bool  `json:"matches,omitempty"`
}

func runDigest(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(digestCommand, flag.ContinueOnError)
	amount := fs.String("amount", "", "claim amount in ether")
	amountWei := fs.String("amount-wei", "", "claim amount in wei")
	remarks := fs.String("remarks", "", "claim remarks")
	program := fs.String("program", "", "off-chain program id")
	onchain := fs.String("onchain-program", "", "on-chain program id")
	submittedAt := fs.Int64("submitted-at", 0, "submission time in unix seconds")
	expect := fs.String("expect", "", "digest to verify against")
	if err := fs.Parse(args); err != nil {
		return err
	}
	wei := strings.TrimSpace(*amountWei)
	if *amount != "" {
		v, err := units.ParseEther(*amount)
		if err != nil {
			return err
		}
		wei = v.Dec()
	}
	meta := digest.Metadata{
		AmountWei:        wei,
		Remarks:          *remarks,
		ProgramID:        *program,
		ProgramOnchainID: *onchain,
		SubmittedAt:      *submittedAt,
	}
	canonical, err := meta.CanonicalJSON()
	if err != nil {
		return err
	}
	sum, err := meta.Digest()
	if err != nil {
		return err
	}
	res := digestOutput{Canonical: string(canonical), Digest: sum.Hex()}
	if *expect != "" {
		ok, err := meta.Verify(*expect)
		if err != nil {
			return err
		}
		res.Matches = &ok
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runAudit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(auditCommand, flag.ContinueOnError)
	cfgPath := fs.String("config", os.Getenv("SUBSIDYD_CONFIG"), "subsidyd configuration file")
	dryRun := fs.Bool("dry-run", false, "skip writing report files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Database.URL, store.Options{MaxOpenConns: cfg.Database.MaxOpen})
	if err != nil {
		return err
	}
	records := store.New(db)
	defer records.Close()

	auditor, err := recon.NewAuditor(recon.AuditorConfig{
		Store:     records,
		OutputDir: cfg.Audit.OutputDir,
		Formats:   cfg.Audit.Formats,
		DryRun:    *dryRun || cfg.Audit.DryRun,
		Grace:     cfg.Audit.Grace.Duration,
	})
	if err != nil {
		return err
	}
	res, err := auditor.Run(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "audited %d claims and %d programs: %d anomalies\n", res.Claims, res.Programs, len(res.Anomalies))
	for _, a := range res.Anomalies {
		fmt.Fprintf(out, "  %s %s\n", a.Type, a.Details)
	}
	for _, f := range res.Files {
		fmt.Fprintf(out, "wrote %s\n", f)
	}
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	cfgPath := fs.String("config", os.Getenv("SUBSIDYD_CONFIG"), "subsidyd configuration file")
	id := fs.String("id", "", "actor id (token subject)")
	roleRaw := fs.String("role", "", "actor role: farmer, agency, retailer or admin")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*id) == "" {
		return errors.New("token: --id is required")
	}
	role, err := actor.ParseRole(*roleRaw)
	if err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return err
	}
	token, err := verifier.Sign(actor.New(*id, role), *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
