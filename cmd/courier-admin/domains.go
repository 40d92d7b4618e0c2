package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/migadu/courier/db"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/server"
	"github.com/migadu/courier/server/domainauth"
)

func handleDomainsCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printDomainsUsage()
		os.Exit(1)
	}

	switch subcommand := os.Args[2]; subcommand {
	case "add":
		handleAddDomain(ctx)
	case "list":
		handleListDomains(ctx)
	case "verify":
		handleVerifyDomain(ctx)
	case "check":
		handleCheckDomain(ctx)
	case "help", "--help", "-h":
		printDomainsUsage()
	default:
		fmt.Printf("Unknown domains subcommand: %s\n\n", subcommand)
		printDomainsUsage()
		os.Exit(1)
	}
}

func printDomainsUsage() {
	fmt.Printf(`Domain Management

Usage:
  courier-admin domains <subcommand> [options]

Subcommands:
  add      Register a domain for a user (--user-id, --domain)
  list     List the domains of a user (--user-id)
  verify   Set the verification flag (--id, --verified=true|false)
  check    Look up MX, SPF, DKIM and DMARC records (--domain, --selector)
`)
}

func handleAddDomain(ctx context.Context) {
	fs := flag.NewFlagSet("domains add", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	userID := fs.String("user-id", "", "Owning user id (required)")
	domain := fs.String("domain", "", "Domain name (required)")
	fs.Parse(os.Args[3:])

	name := db.NormalizeDomainName(*domain)
	if *userID == "" || !server.IsValidDomain(name) {
		fmt.Println("Error: --user-id and a valid --domain are required")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, *envFile)
	store := openStore(ctx, cfg.Database)
	defer store.Close()

	d, err := store.CreateDomain(ctx, *userID, name)
	if errors.Is(err, db.ErrDuplicateDomain) {
		store.Close()
		logger.Fatal("Domain already registered", "domain", name)
	}
	if err != nil {
		store.Close()
		logger.Fatal("Failed to create domain", "error", err)
	}
	fmt.Printf("Domain %s registered with id %d\n", d.Name, d.ID)
}

func handleListDomains(ctx context.Context) {
	fs := flag.NewFlagSet("domains list", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	userID := fs.String("user-id", "", "Owning user id (required)")
	fs.Parse(os.Args[3:])

	if *userID == "" {
		fmt.Println("Error: --user-id is required")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, *envFile)
	store := openStore(ctx, cfg.Database)
	defer store.Close()

	domains, err := store.GetDomains(ctx, *userID)
	if err != nil {
		store.Close()
		logger.Fatal("Failed to list domains", "error", err)
	}
	if len(domains) == 0 {
		fmt.Printf("No domains registered for %s\n", *userID)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDOMAIN\tVERIFIED\tCREATED")
	for _, d := range domains {
		fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", d.ID, d.Name, d.Verified, d.CreatedAt.Format("2006-01-02"))
	}
	w.Flush()
}

func handleVerifyDomain(ctx context.Context) {
	fs := flag.NewFlagSet("domains verify", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	id := fs.Int64("id", 0, "Domain id (required)")
	verified := fs.Bool("verified", true, "Verification state to set")
	fs.Parse(os.Args[3:])

	if *id == 0 {
		fmt.Println("Error: --id is required")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, *envFile)
	store := openStore(ctx, cfg.Database)
	defer store.Close()

	if err := store.UpdateDomainVerification(ctx, *id, *verified); err != nil {
		store.Close()
		logger.Fatal("Failed to update domain", "id", *id, "error", err)
	}
	fmt.Printf("Domain %d verified=%t\n", *id, *verified)
}

func handleCheckDomain(ctx context.Context) {
	fs := flag.NewFlagSet("domains check", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	domain := fs.String("domain", "", "Domain to check (required)")
	selector := fs.String("selector", "", "DKIM selector (defaults to the configured one)")
	fs.Parse(os.Args[3:])

	cfg := loadConfig(*configPath, *envFile)
	timeout, err := cfg.DNS.GetLookupTimeout()
	if err != nil {
		logger.Fatal("Invalid dns lookup_timeout", "error", err)
	}
	auth := domainauth.New(domainauth.NewADNSResolver(cfg.DNS), cfg.DNS.GetDKIMSelector(), timeout)

	report, err := auth.CheckWithSelector(ctx, *domain, *selector)
	if err != nil {
		logger.Fatal("Domain check failed", "domain", *domain, "error", err)
	}
	printReport(report)
}

func printReport(r *domainauth.Report) {
	fmt.Printf("Domain:   %s\n", r.Domain)
	fmt.Printf("Selector: %s\n", r.Selector)
	if len(r.MX) == 0 {
		fmt.Println("MX:       (none)")
	}
	for _, mx := range r.MX {
		fmt.Printf("MX:       %s (priority %d)\n", mx.Host, mx.Preference)
	}
	fmt.Printf("SPF:      %s\n", orNone(r.SPF))
	fmt.Printf("DKIM:     %s\n", orNone(r.DKIM))
	fmt.Printf("DMARC:    %s\n", orNone(r.DMARC))
	for _, e := range r.Errors {
		fmt.Printf("Error:    %s\n", e)
	}
}

func orNone(s *string) string {
	if s == nil {
		return "(none)"
	}
	return *s
}
