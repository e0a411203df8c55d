package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/ledgerdrive/internal/config"
	"github.com/dvloznov/ledgerdrive/internal/logger"
	"github.com/dvloznov/ledgerdrive/internal/store"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "set-secret":
		runSetSecret(log)
	case "add-principal":
		runAddPrincipal(log)
	case "show-principal":
		runShowPrincipal(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("LedgerDrive Admin CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  set-secret      Store a shared API secret (client id/secret, model key)")
	fmt.Println("  add-principal   Create or update a principal row")
	fmt.Println("  show-principal  Show a principal and its delegation state")
	fmt.Println("  help            Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

func openStore(log zerolog.Logger) (*store.Store, context.Context, context.CancelFunc) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)

	st, err := store.Open(ctx, cfg.DatabasePath, log)
	if err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to open store")
	}

	return st, ctx, cancel
}

func runSetSecret(log zerolog.Logger) {
	fs := flag.NewFlagSet("set-secret", flag.ExitOnError)
	name := fs.String("name", "", "Service name (GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET, GEMINI_API_KEY)")
	value := fs.String("value", "", "Secret value")
	fs.Parse(os.Args[2:])

	if *name == "" || *value == "" {
		log.Fatal().Msg("Usage: cli set-secret -name NAME -value VALUE")
	}

	st, ctx, cancel := openStore(log)
	defer cancel()
	defer st.Close()

	if err := st.SetSecret(ctx, *name, *value); err != nil {
		log.Fatal().Err(err).Msg("Failed to store secret")
	}

	fmt.Printf("Secret %s stored.\n", *name)
}

func runAddPrincipal(log zerolog.Logger) {
	fs := flag.NewFlagSet("add-principal", flag.ExitOnError)
	id := fs.String("id", "", "Principal id")
	role := fs.String("role", "user", "Role (user or "+store.RoleFallbackAdmin+")")
	refreshToken := fs.String("refresh-token", "", "Delegated refresh token (optional)")
	fs.Parse(os.Args[2:])

	if *id == "" {
		log.Fatal().Msg("Error: -id is required")
	}

	st, ctx, cancel := openStore(log)
	defer cancel()
	defer st.Close()

	if err := st.UpsertPrincipal(ctx, &store.Principal{
		ID:           *id,
		Role:         *role,
		RefreshToken: *refreshToken,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to upsert principal")
	}

	fmt.Printf("Principal %s (%s) saved.\n", *id, *role)
}

func runShowPrincipal(log zerolog.Logger) {
	fs := flag.NewFlagSet("show-principal", flag.ExitOnError)
	id := fs.String("id", "", "Principal id")
	fs.Parse(os.Args[2:])

	if *id == "" {
		log.Fatal().Msg("Error: -id is required")
	}

	st, ctx, cancel := openStore(log)
	defer cancel()
	defer st.Close()

	p, err := st.GetPrincipal(ctx, *id)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load principal")
	}

	fmt.Println("\n=== Principal ===")
	fmt.Printf("ID:        %s\n", p.ID)
	fmt.Printf("Role:      %s\n", p.Role)
	fmt.Printf("Connected: %v\n", p.HasRefreshToken())
	if !p.TokenExpiry.IsZero() {
		fmt.Printf("Token expiry: %s\n", p.TokenExpiry.Format(time.RFC3339))
	}
	fmt.Println()
}
