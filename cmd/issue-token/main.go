package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"posledger/internal/config"
	"posledger/internal/httpapi"
)

// issue-token signs a bearer token with AUTH_SECRET for shops that have no
// identity service in front of the ledger.
func main() {
	username := flag.String("user", "", "username to put in the token subject")
	role := flag.String("role", httpapi.RoleCashier, "cashier or admin")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to TOKEN_TTL)")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if len(cfg.AuthSecret) < 32 {
		log.Fatalf("AUTH_SECRET must be set and at least 32 characters")
	}

	lifetime := cfg.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	auth := httpapi.NewAuthManager(cfg.AuthSecret, lifetime, "")
	token, expiresAt, err := auth.IssueToken(*username, *role)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
	log.Printf("expires %s", expiresAt.Format(time.RFC3339))
}
