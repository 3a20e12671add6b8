// Package main is an offline utility for minting an API key without a running server.
// It prints the raw token, its lookup prefix, the bcrypt hash and a ready-to-run SQL
// INSERT, so an operator can seed the api_keys table by hand (for example the first
// admin key of a fresh database). Only the hash and prefix belong in the database.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Deepak8858/agent-crm/internal/auth"
)

type options struct {
	name      string
	scopes    string
	namespace string
	cost      int
}

func main() {
	var opts options
	flag.StringVar(&opts.name, "name", "Bootstrap admin key", "key name")
	flag.StringVar(&opts.scopes, "scopes", "admin:read,admin:write", "comma-separated scopes")
	flag.StringVar(&opts.namespace, "namespace", auth.DefaultNamespace, "token namespace")
	flag.IntVar(&opts.cost, "cost", auth.BcryptCost, "bcrypt cost (10-14)")
	flag.Parse()

	if err := generate(os.Stdout, opts, time.Now().UTC()); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func generate(w io.Writer, opts options, now time.Time) error {
	if err := auth.ValidateBcryptCost(opts.cost); err != nil {
		return err
	}
	if strings.TrimSpace(opts.name) == "" {
		return fmt.Errorf("name is required")
	}
	scopes, err := auth.NormalizeScopes(strings.Split(opts.scopes, ","))
	if err != nil {
		return err
	}

	token, prefix, err := auth.GenerateAPIKey(opts.namespace)
	if err != nil {
		return err
	}
	hash, err := auth.HashAPIKey(token, opts.cost)
	if err != nil {
		return err
	}

	scopeLiteral, err := pq.StringArray(scopes).Value()
	if err != nil {
		return fmt.Errorf("failed to encode scopes: %w", err)
	}

	sep := strings.Repeat("=", 58)
	fmt.Fprintln(w, sep)
	fmt.Fprintln(w, "API Key Generated")
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "\nKey:            %s\n", token)
	fmt.Fprintf(w, "Prefix:         %s\n", prefix)
	fmt.Fprintf(w, "Display Prefix: %s\n", auth.DisplayPrefix(prefix))
	fmt.Fprintf(w, "Hash:           %s\n", hash)
	fmt.Fprintf(w, "Scopes:         %s\n", strings.Join(scopes, ", "))
	fmt.Fprintf(w, "\n%s\nSQL Insert:\n%s\n", sep, sep)
	fmt.Fprintf(w, `
INSERT INTO api_keys (id, name, key_prefix, key_hash, scopes, is_active, created_by, created_at, updated_at)
VALUES ('%s', %s, '%s', '%s', '%s', true, 'keygen', '%s', '%s');
`, uuid.New().String(), pq.QuoteLiteral(opts.name), prefix, hash, scopeLiteral,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	fmt.Fprintf(w, "\n%s\nAuthorization Header: Bearer %s\n%s\n", sep, token, sep)
	return nil
}
