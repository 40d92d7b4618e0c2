package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/migadu/courier/db"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/server"
)

func handleAccountsCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printAccountsUsage()
		os.Exit(1)
	}

	switch subcommand := os.Args[2]; subcommand {
	case "add":
		handleAddAccount(ctx)
	case "show":
		handleShowAccount(ctx)
	case "help", "--help", "-h":
		printAccountsUsage()
	default:
		fmt.Printf("Unknown accounts subcommand: %s\n\n", subcommand)
		printAccountsUsage()
		os.Exit(1)
	}
}

func printAccountsUsage() {
	fmt.Printf(`Account Management

Usage:
  courier-admin accounts <subcommand> [options]

Subcommands:
  add    Create an account (--address, --user-id)
  show   Show an account by --address or --id
`)
}

func handleAddAccount(ctx context.Context) {
	fs := flag.NewFlagSet("accounts add", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	address := fs.String("address", "", "Email address of the account (required)")
	userID := fs.String("user-id", "", "Identity provider user id owning the account (required)")
	fs.Parse(os.Args[3:])

	if *address == "" || *userID == "" {
		fmt.Println("Error: --address and --user-id are required")
		fs.Usage()
		os.Exit(1)
	}
	addr, err := server.NewAddress(*address)
	if err != nil {
		logger.Fatal("Invalid address", "address", *address, "error", err)
	}

	cfg := loadConfig(*configPath, *envFile)
	store := openStore(ctx, cfg.Database)
	defer store.Close()

	account, err := store.CreateAccount(ctx, addr.FullAddress(), *userID)
	if errors.Is(err, db.ErrDuplicateAccount) {
		store.Close()
		logger.Fatal("Account already exists", "address", addr.FullAddress())
	}
	if err != nil {
		store.Close()
		logger.Fatal("Failed to create account", "error", err)
	}
	printAccount(account)
}

func handleShowAccount(ctx context.Context) {
	fs := flag.NewFlagSet("accounts show", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	address := fs.String("address", "", "Email address of the account")
	id := fs.Int64("id", 0, "Account id")
	fs.Parse(os.Args[3:])

	if *address == "" && *id == 0 {
		fmt.Println("Error: --address or --id is required")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, *envFile)
	store := openStore(ctx, cfg.Database)
	defer store.Close()

	var (
		account *db.Account
		err     error
	)
	if *id != 0 {
		account, err = store.GetAccount(ctx, *id)
	} else {
		var addr server.Address
		if addr, err = server.NewAddress(*address); err == nil {
			account, err = store.FindAccountByAddress(ctx, addr.FullAddress())
		}
	}
	if err != nil {
		store.Close()
		logger.Fatal("Failed to look up account", "error", err)
	}
	printAccount(account)

	_, stats, err := store.ListMessages(ctx, account.ID, 1, 0)
	if err != nil {
		logger.Warn("Failed to count messages", "error", err)
		return
	}
	fmt.Printf("Messages:   %d (%d unread)\n", stats.Total, stats.Unread)
}

func printAccount(a *db.Account) {
	fmt.Printf("ID:         %d\n", a.ID)
	fmt.Printf("Address:    %s\n", a.Address)
	fmt.Printf("User ID:    %s\n", a.UserID)
	fmt.Printf("Created at: %s\n", a.CreatedAt.Format("2006-01-02 15:04:05 MST"))
}
