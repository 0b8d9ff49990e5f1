package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/service"
	"golang.org/x/term"
)

// issue-token mints a signed access token for local testing and load runs.
// Real tokens come from the identity service; both share JWT_SECRET.
func main() {
	var (
		tokenType = flag.String("type", "", "Token type: student, teacher or admin")
		userID    = flag.String("user", "", "User ID (subject)")
		orgID     = flag.String("org", "", "Organization ID")
		perms     = flag.String("perms", "", "Comma separated permissions (staff only)")
		expiry    = flag.Duration("expiry", 0, "Token lifetime (defaults to JWT_EXPIRY_HOURS)")
		askSecret = flag.Bool("ask-secret", false, "Prompt for the signing secret instead of reading JWT_SECRET")
	)
	flag.Parse()

	cfg := config.Load()
	reader := bufio.NewReader(os.Stdin)

	// ─── CLI Input ─────────────────────────────────────────────────────
	if *tokenType == "" {
		*tokenType = prompt(reader, "Token type (student/teacher/admin): ")
	}
	typ := service.TokenType(strings.ToLower(*tokenType))
	switch typ {
	case service.TokenTypeStudent, service.TokenTypeTeacher, service.TokenTypeAdmin:
	default:
		fmt.Printf("Error: unknown token type %q\n", *tokenType)
		os.Exit(1)
	}
	if *userID == "" {
		*userID = prompt(reader, "User ID: ")
	}
	if *orgID == "" {
		*orgID = prompt(reader, "Organization ID: ")
	}
	if *userID == "" || *orgID == "" {
		fmt.Println("Error: user and organization are required")
		os.Exit(1)
	}

	var permissions []string
	if typ.IsStaff() {
		if *perms == "" && typ == service.TokenTypeTeacher {
			*perms = service.PermissionMonitorRead
		}
		for _, p := range strings.Split(*perms, ",") {
			if p = strings.TrimSpace(p); p != "" {
				permissions = append(permissions, p)
			}
		}
	}

	if *askSecret {
		fmt.Print("Signing secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Println("Error reading secret")
			os.Exit(1)
		}
		cfg.JWTSecret = string(secret)
	}
	if len(cfg.JWTSecret) < 16 {
		fmt.Println("Warning: signing secret is shorter than 16 bytes")
	}
	if *expiry > 0 {
		cfg.JWTExpiry = *expiry
	}

	token, err := service.NewAuthService(cfg).GenerateToken(typ, *userID, *orgID, permissions)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Issued %s token for %s in %s, expires %s\n",
		typ, *userID, *orgID, time.Now().Add(cfg.JWTExpiry).Format(time.RFC3339))
	fmt.Println(token)
}

func prompt(r *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}
