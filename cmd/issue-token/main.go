package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/config"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/service"
	"golang.org/x/term"
)

// issue-token mints a development JWT carrying the same claims the identity
// provider issues in production.
func main() {
	var (
		tokenType string
		userID    string
	)
	flag.StringVar(&tokenType, "type", string(service.TokenTypeStudent), "Token type: student or instructor")
	flag.StringVar(&userID, "user", "", "User ID to embed in the token")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fail("config: %v", err)
	}

	tt := service.TokenType(tokenType)
	if tt != service.TokenTypeStudent && tt != service.TokenTypeInstructor {
		fail("-type must be student or instructor, got %q", tokenType)
	}
	if !model.ValidUserID(userID) {
		fail("-user must be a non-empty id of at most %d characters without whitespace", model.MaxUserIDLength)
	}

	// ─── Signing Secret ────────────────────────────────────────────────
	secret := cfg.JWTSecret
	if _, set := os.LookupEnv("JWT_SECRET"); !set && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Enter JWT secret: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr) // Newline after secret input
		if err != nil {
			fail("read secret: %v", err)
		}
		if len(raw) > 0 {
			secret = string(raw)
		}
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	token, err := service.NewAuthService(secret, cfg.JWTExpiry, clock.System).IssueToken(tt, userID)
	if err != nil {
		fail("issue token: %v", err)
	}
	fmt.Println(token)
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
