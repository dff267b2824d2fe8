// Command createuser adds or updates a relay user in the credential store.
//
//	createuser [-users path] <username> <password>
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"whatsapp-relay/internal/auth"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/users"
)

func main() {
	_ = godotenv.Load()

	defaultPath := "data/users.json"
	if cfg, err := config.Load(); err == nil {
		defaultPath = cfg.UsersFile
	}

	path := flag.String("users", defaultPath, "path of the users JSON file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-users path] <username> <password>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	username, password := flag.Arg(0), flag.Arg(1)
	if err := auth.ValidateInput(username, password); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(2)
	}

	store := users.NewFileStore(*path)
	if err := store.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to read %s: %v\n", *path, err)
		os.Exit(1)
	}

	created, err := store.Upsert(username, password, users.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to save user: %v\n", err)
		os.Exit(1)
	}

	if created {
		fmt.Printf("✅ Created user %s in %s\n", username, store.Path())
	} else {
		fmt.Printf("✅ Updated password of %s in %s\n", username, store.Path())
	}
}
