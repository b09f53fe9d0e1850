package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/saelo/feuerfuchs/internal/auth"
	"github.com/saelo/feuerfuchs/internal/config"
)

// Derives the access token for a team id, for handing out to teams.
// The shared secret comes from the config file named by
// FEUERFUCHS_CONFIG, or from FEUERFUCHS_SECRET directly.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <team-id>\n", os.Args[0])
		os.Exit(1)
	}

	teamID, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: team id must be an integer")
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("FEUERFUCHS_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%d:%s\n", teamID, auth.DeriveToken([]byte(cfg.Auth.Secret), teamID))
}
