package main

import (
	"flag"
	"log"
	"os"

	"keybridge/internal/config"
	"keybridge/internal/db"
	"keybridge/migrations"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	mode := flag.String("mode", "up", "migration mode: up or down")
	path := flag.String("db", os.Getenv("DB_PATH"), "path to the SQLite database file")
	flag.Parse()

	if err := run(*path, *mode); err != nil {
		log.Fatal(err)
	}
}

func run(path, mode string) error {
	if path == "" {
		path = "keybridge.db"
	}

	database, err := db.NewDatabase(&config.Config{DBPath: path})
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, migrations.FS, mode); err != nil {
		return err
	}
	log.Printf("migrations %s complete for %s", mode, path)
	return nil
}
