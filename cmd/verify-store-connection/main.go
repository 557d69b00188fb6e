// Command verify-store-connection is an operator tool: probe the
// Postgres-backed key/value store's reachability and confirm the
// kv_entries table migrated with the expected column shape. Adapted
// from the teacher's cmd/verify-db-connection/main.go, which checked a
// specific checkbooks.user_data column width; this version checks the
// kv_entries.key column instead, since that is the one table this
// store actually owns (spec §6).
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"

	"github.com/nnlgsakib/crypto-manager-engine/internal/config"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Store.DSN == "" {
		log.Fatal("store.dsn is not configured")
	}

	fmt.Println("verifying store connection...")

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	if err := st.Ping(); err != nil {
		log.Fatalf("ping failed: %v", err)
	}
	fmt.Println("connection ok")

	sqlDB, err := st.DB()
	if err != nil {
		log.Fatalf("failed to get underlying sql.DB: %v", err)
	}

	var dbName string
	if err := sqlDB.QueryRow("SELECT current_database()").Scan(&dbName); err != nil {
		log.Fatalf("failed to query database name: %v", err)
	}
	fmt.Printf("connected to database: %s\n", dbName)

	var size sql.NullInt64
	err = sqlDB.QueryRow(`
		SELECT character_maximum_length
		FROM information_schema.columns
		WHERE table_schema = 'public'
		AND table_name = 'kv_entries'
		AND column_name = 'key'
	`).Scan(&size)
	if err != nil {
		log.Fatalf("failed to query kv_entries.key column: %v", err)
	}
	if !size.Valid {
		fmt.Println("kv_entries.key column not found, has AutoMigrate run yet?")
		return
	}
	fmt.Printf("kv_entries.key column size: VARCHAR(%d)\n", size.Int64)
}
