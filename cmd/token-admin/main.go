// Command token-admin mints operator bearer tokens for the HTTP API.
// The signing secret must match the AUTH_JWT_SECRET the service runs with.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"listing-sniper/internal/api"
)

func main() {
	subject := flag.String("subject", "", "operator identifier (required)")
	role := flag.String("role", "operator", "role claim: operator or admin")
	duration := flag.Duration("duration", 24*time.Hour, "token lifetime")
	secret := flag.String("secret", os.Getenv("AUTH_JWT_SECRET"), "HMAC signing secret (defaults to AUTH_JWT_SECRET)")
	flag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "error: -subject is required")
		flag.Usage()
		os.Exit(1)
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: no signing secret; set AUTH_JWT_SECRET or pass -secret")
		os.Exit(1)
	}
	if *role != "operator" && *role != "admin" {
		fmt.Fprintf(os.Stderr, "error: unknown role %q\n", *role)
		os.Exit(1)
	}

	now := time.Now()
	claims := api.OperatorClaims{
		Subject: *subject,
		Role:    *role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   *subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(*duration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(*secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("subject:  %s\n", *subject)
	fmt.Printf("role:     %s\n", *role)
	fmt.Printf("expires:  %s\n", now.Add(*duration).Format(time.RFC3339))
	fmt.Printf("\n%s\n", signed)
}
