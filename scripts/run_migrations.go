package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/safar/marketplace-checkout/internal/config"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/logging"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding NNN_name.{up,down}.sql files")
	flag.Parse()

	if flag.NArg() < 1 {
		log.Fatal("Usage: go run scripts/run_migrations.go [-dir migrations] [up|down]")
	}

	direction := flag.Arg(0)
	if direction != "up" && direction != "down" {
		log.Fatal("Direction must be 'up' or 'down'")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}
	if cfg.Database.Driver == "memory" {
		log.Fatal("DATABASE_DRIVER=memory has no schema to migrate")
	}

	ctx := context.Background()
	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	files, err := migrationFiles(*dir, direction)
	if err != nil {
		log.Fatalf("List migrations: %v", err)
	}

	for _, filename := range files {
		content, err := os.ReadFile(filepath.Join(*dir, filename))
		if err != nil {
			log.Fatalf("Read migration file %s: %v", filename, err)
		}

		// One transaction per file.
		err = database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, string(content))
			return err
		})
		if err != nil {
			log.Fatalf("Execute migration %s: %v", filename, err)
		}

		logging.Log(logging.Fields{Service: "migrations", Step: filename, Status: "applied", Message: direction})
	}

	logging.Log(logging.Fields{
		Service: "migrations",
		Status:  "done",
		Message: fmt.Sprintf("ran %d migration(s) %s", len(files), direction),
	})
}

// migrationFiles returns the files for direction, oldest first for up and
// newest first for down.
func migrationFiles(dir, direction string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migration directory: %w", err)
	}

	suffix := "." + direction + ".sql"
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if direction == "down" {
		sort.Sort(sort.Reverse(sort.StringSlice(files)))
	}
	return files, nil
}
