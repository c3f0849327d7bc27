// Command devtoken prints a signed access token for local testing.
//
//	go run ./cmd/devtoken -user alice
package main

import (
	"flag"
	"fmt"
	"os"

	"relaychat/internal/auth"
	"relaychat/internal/config"
)

func main() {
	user := flag.String("user", "", "user id to put in the token")
	ttl := flag.Int("ttl", 0, "token lifetime in minutes (default ACCESS_TOKEN_TTL_MINUTES)")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "devtoken: -user is required")
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "devtoken:", err)
		os.Exit(1)
	}
	minutes := cfg.AccessTokenTTLMinutes
	if *ttl > 0 {
		minutes = *ttl
	}
	token, err := auth.GenerateAccessToken(*user, cfg.JWTSecret, minutes)
	if err != nil {
		fmt.Fprintln(os.Stderr, "devtoken:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
